package settlement

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
	"github.com/cashtill/cashtill/cashu/nuts/nut09"
	"github.com/cashtill/cashtill/cashu/nuts/nut13"
	"github.com/cashtill/cashtill/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	restoreBatchSize = 100
	// consecutive empty batches before a keyset scan stops
	restoreEmptyBatches = 3
	// concurrent mint connections per job
	restoreWorkers = 5
)

type JobStatus int

const (
	JobQueued JobStatus = iota
	JobProcessing
	JobDone
)

func (status JobStatus) String() string {
	switch status {
	case JobQueued:
		return "Queued"
	case JobProcessing:
		return "Processing"
	case JobDone:
		return "Done"
	default:
		return "unknown"
	}
}

type MintProgress struct {
	Restored    int
	Done        bool
	Unreachable bool
}

// Progress is a poll-safe snapshot of a restore job.
type Progress struct {
	Status JobStatus
	Mints  map[string]MintProgress
	Errors []string
}

type restoreJob struct {
	id       string
	storeId  string
	mintURLs []string

	mu       sync.Mutex
	status   JobStatus
	mints    map[string]*MintProgress
	errs     []string
	done     chan struct{}
	canceled bool
}

func (job *restoreJob) isCanceled() bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.canceled
}

// RestoreService rebuilds the wallet's proof set from seed by scanning
// counter ranges against each mint's restore endpoint. Jobs are drained
// FIFO by a single dispatcher; mints within a job run on a bounded worker
// pool.
type RestoreService struct {
	client   MintAPI
	registry *KeysetRegistry
	store    storage.Store
	logger   *logrus.Logger

	mu      sync.Mutex
	queue   []*restoreJob
	jobs    map[string]*restoreJob
	wake    chan struct{}
	started bool
}

func NewRestoreService(client MintAPI, registry *KeysetRegistry, store storage.Store, logger *logrus.Logger) *RestoreService {
	return &RestoreService{
		client:   client,
		registry: registry,
		store:    store,
		logger:   logger,
		jobs:     make(map[string]*restoreJob),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the dispatcher. Safe to call once.
func (s *RestoreService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.dispatch(ctx)
}

// Enqueue queues a restore of the given mints and returns the job id.
func (s *RestoreService) Enqueue(storeId string, mintURLs []string) string {
	job := &restoreJob{
		id:       uuid.NewString(),
		storeId:  storeId,
		mintURLs: mintURLs,
		status:   JobQueued,
		mints:    make(map[string]*MintProgress, len(mintURLs)),
		done:     make(chan struct{}),
	}
	for _, mintURL := range mintURLs {
		job.mints[mintURL] = &MintProgress{}
	}

	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.jobs[job.id] = job
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job.id
}

// Progress returns a snapshot of the job. Safe to poll repeatedly.
func (s *RestoreService) Progress(jobId string) (Progress, bool) {
	s.mu.Lock()
	job, ok := s.jobs[jobId]
	s.mu.Unlock()
	if !ok {
		return Progress{}, false
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	snapshot := Progress{
		Status: job.status,
		Mints:  make(map[string]MintProgress, len(job.mints)),
		Errors: append([]string{}, job.errs...),
	}
	for mintURL, progress := range job.mints {
		snapshot.Mints[mintURL] = *progress
	}
	return snapshot, true
}

// Cancel stops a running job: no new batches are sent, in-flight mint
// requests run to completion and their results are persisted.
func (s *RestoreService) Cancel(jobId string) {
	s.mu.Lock()
	job, ok := s.jobs[jobId]
	s.mu.Unlock()
	if !ok {
		return
	}

	job.mu.Lock()
	job.canceled = true
	job.mu.Unlock()
}

// Wait blocks until the job finishes or the context is done.
func (s *RestoreService) Wait(ctx context.Context, jobId string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobId]
	s.mu.Unlock()
	if !ok {
		return errors.New("unknown job id")
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RestoreService) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			job := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.runJob(ctx, job)
		}
	}
}

func (s *RestoreService) runJob(ctx context.Context, job *restoreJob) {
	job.mu.Lock()
	if job.canceled {
		job.status = JobDone
		job.mu.Unlock()
		close(job.done)
		return
	}
	job.status = JobProcessing
	job.mu.Unlock()

	semaphore := make(chan struct{}, restoreWorkers)
	var wg sync.WaitGroup
	for _, mintURL := range job.mintURLs {
		if job.isCanceled() {
			break
		}
		select {
		case <-ctx.Done():
		case semaphore <- struct{}{}:
			wg.Add(1)
			go func(mintURL string) {
				defer wg.Done()
				defer func() { <-semaphore }()
				s.restoreMint(ctx, job, mintURL)
			}(mintURL)
		}
		if ctx.Err() != nil {
			break
		}
	}
	wg.Wait()

	// a canceled or interrupted scan has not checked the full seed
	if ctx.Err() == nil && !job.isCanceled() {
		if err := s.store.SetSeedVerified(true); err != nil {
			job.addError("error marking seed verified: " + err.Error())
		}
	}

	job.mu.Lock()
	job.status = JobDone
	job.mu.Unlock()
	close(job.done)
}

func (job *restoreJob) addError(msg string) {
	job.mu.Lock()
	job.errs = append(job.errs, msg)
	job.mu.Unlock()
}

func (job *restoreJob) mintProgress(mintURL string, update func(*MintProgress)) {
	job.mu.Lock()
	if progress, ok := job.mints[mintURL]; ok {
		update(progress)
	}
	job.mu.Unlock()
}

func (s *RestoreService) restoreMint(ctx context.Context, job *restoreJob, mintURL string) {
	keysetsRes, err := s.client.GetKeysets(ctx, mintURL)
	if err != nil {
		job.addError("mint " + mintURL + ": " + err.Error())
		job.mintProgress(mintURL, func(p *MintProgress) {
			p.Unreachable = true
			p.Done = true
		})
		return
	}

	seed, err := s.store.GetSeed()
	if err != nil {
		job.addError("mint " + mintURL + ": " + err.Error())
		job.mintProgress(mintURL, func(p *MintProgress) { p.Done = true })
		return
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		job.addError("mint " + mintURL + ": " + err.Error())
		job.mintProgress(mintURL, func(p *MintProgress) { p.Done = true })
		return
	}

	for _, keysetInfo := range keysetsRes.Keysets {
		if ctx.Err() != nil || job.isCanceled() {
			break
		}
		if keysetInfo.Unit != cashu.Sat.String() {
			continue
		}
		restored, err := s.restoreKeyset(ctx, job, mintURL, keysetInfo.Id, master)
		if err != nil {
			job.addError("mint " + mintURL + " keyset " + keysetInfo.Id + ": " + err.Error())
			continue
		}
		job.mintProgress(mintURL, func(p *MintProgress) { p.Restored += restored })
	}
	job.mintProgress(mintURL, func(p *MintProgress) { p.Done = true })
	s.logger.WithFields(logrus.Fields{
		"jobId": job.id,
		"mint":  mintURL,
	}).Info("restore scan finished")
}

// restoreKeyset scans counter ranges of the keyset until three consecutive
// batches come back unsigned. Restored proofs are filtered to unspent
// before persisting and the counter is overwritten to one past the highest
// signed index.
func (s *RestoreService) restoreKeyset(ctx context.Context, job *restoreJob, mintURL, keysetId string,
	master *hdkeychain.ExtendedKey) (int, error) {

	keyset, err := s.registry.GetKeyset(ctx, mintURL, keysetId)
	if err != nil {
		return 0, err
	}
	keysetPath, err := nut13.DeriveKeysetPath(master, keysetId)
	if err != nil {
		return 0, err
	}

	amounts := make([]uint64, restoreBatchSize)
	for i := range amounts {
		amounts[i] = 1
	}

	restoredTotal := 0
	highestIndex := int64(-1)
	emptyBatches := 0
	for counter := uint32(0); emptyBatches < restoreEmptyBatches; counter += restoreBatchSize {
		if job.isCanceled() {
			// stop sending batches; what came back so far stays persisted
			break
		}
		if ctx.Err() != nil {
			return restoredTotal, ctx.Err()
		}

		outputs, err := nut13.DeriveOutputs(keysetPath, counter, keysetId, amounts)
		if err != nil {
			return restoredTotal, err
		}

		restoreRes, err := s.client.Restore(ctx, mintURL, nut09.PostRestoreRequest{
			Outputs: cashu.BlindedMessagesFromOutputData(outputs),
		})
		if err != nil {
			return restoredTotal, err
		}
		if len(restoreRes.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// match the echoed outputs back to our blinding data
		outputByB := make(map[string]cashu.OutputData, len(outputs))
		indexByB := make(map[string]uint32, len(outputs))
		for i, output := range outputs {
			outputByB[output.BlindedMessage.B_] = output
			indexByB[output.BlindedMessage.B_] = counter + uint32(i)
		}

		matched := make([]cashu.OutputData, 0, len(restoreRes.Signatures))
		for i := range restoreRes.Signatures {
			if i >= len(restoreRes.Outputs) {
				break
			}
			B_ := restoreRes.Outputs[i].B_
			output, ok := outputByB[B_]
			if !ok {
				continue
			}
			matched = append(matched, output)
			if index := int64(indexByB[B_]); index > highestIndex {
				highestIndex = index
			}
		}
		if len(matched) != len(restoreRes.Signatures) {
			return restoredTotal, errors.New("mint restored outputs it was never sent")
		}

		proofs, err := ConstructProofs(restoreRes.Signatures, matched, keyset)
		if err != nil {
			return restoredTotal, err
		}

		unspent, err := s.filterUnspent(ctx, mintURL, proofs)
		if err != nil {
			return restoredTotal, err
		}
		for _, proof := range unspent {
			saveErr := s.store.SaveProofs([]storage.StoredProof{{
				Proof:   proof,
				StoreId: job.storeId,
				MintURL: mintURL,
				State:   storage.Available,
			}})
			if saveErr != nil {
				if errors.Is(saveErr, storage.ErrDuplicateSecret) {
					// already known, a previous restore found it
					continue
				}
				return restoredTotal, saveErr
			}
			restoredTotal++
		}
	}

	if highestIndex >= 0 {
		next := uint32(highestIndex) + 1
		current, err := s.store.GetCounter(job.storeId, keysetId)
		if err != nil {
			return restoredTotal, err
		}
		// never walk a counter backwards, that would reuse secrets
		if next > current {
			if err := s.store.SetCounter(job.storeId, keysetId, next); err != nil {
				return restoredTotal, err
			}
		}
	}
	return restoredTotal, nil
}

func (s *RestoreService) filterUnspent(ctx context.Context, mintURL string, proofs cashu.Proofs) (cashu.Proofs, error) {
	if len(proofs) == 0 {
		return proofs, nil
	}
	Ys, err := proofYs(proofs)
	if err != nil {
		return nil, err
	}
	statesRes, err := s.client.CheckProofStates(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}

	stateByY := make(map[string]nut07.State, len(statesRes.States))
	for _, proofState := range statesRes.States {
		stateByY[proofState.Y] = proofState.State
	}

	unspent := cashu.Proofs{}
	for i, proof := range proofs {
		if stateByY[Ys[i]] == nut07.Unspent {
			unspent = append(unspent, proof)
		}
	}
	return unspent, nil
}
