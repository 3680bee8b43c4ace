package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cashtill/cashtill/lightning"
	"github.com/cashtill/cashtill/mintclient"
	"github.com/cashtill/cashtill/settlement"
	"github.com/cashtill/cashtill/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"
)

var (
	logger  *logrus.Logger
	store   *storage.BoltDB
	storeId string
	client  *mintclient.Client

	orchestrator *settlement.Orchestrator
	exporter     *settlement.Exporter
	coordinator  *settlement.RecoveryCoordinator
	restorer     *settlement.RestoreService
	trustedMints []string
)

// logSink registers settled payments by logging them. Deployments embedding
// the engine plug their invoicing system in here instead.
type logSink struct {
	logger *logrus.Logger
}

func (s *logSink) RegisterPayment(invoiceId string, amount uint64) error {
	s.logger.WithFields(logrus.Fields{
		"invoiceId": invoiceId,
		"amount":    amount,
	}).Info("payment registered")
	return nil
}

func loadConfig() {
	viper.SetDefault("cashtill_path", defaultPath())
	viper.SetDefault("store_id", "default")
	viper.SetDefault("payment_model", "TrustedMintsOnly")
	viper.SetDefault("trusted_mints", "")
	viper.SetDefault("max_keyset_fee_percent", 2)
	viper.SetDefault("max_lightning_fee_percent", 5)
	viper.SetDefault("customer_fee_advance", 0)
	viper.SetDefault("log_level", "info")
	viper.AutomaticEnv()

	envPath := filepath.Join(viper.GetString("cashtill_path"), ".env")
	if _, err := os.Stat(envPath); err == nil {
		godotenv.Load(envPath)
	} else if wd, err := os.Getwd(); err == nil {
		godotenv.Load(filepath.Join(wd, ".env"))
	}
}

func defaultPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	path := filepath.Join(homedir, ".cashtill")
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func paymentModel(name string) (settlement.PaymentModel, error) {
	switch name {
	case "TrustedMintsOnly":
		return settlement.TrustedMintsOnly, nil
	case "HoldWhenTrusted":
		return settlement.HoldWhenTrusted, nil
	case "AutoConvert":
		return settlement.AutoConvert, nil
	}
	return 0, fmt.Errorf("unknown payment model '%v'", name)
}

func lightningBackend() lightning.Client {
	host := viper.GetString("lnd_rest_host")
	if host == "" {
		logger.Warn("no lightning node configured, melts to lightning are unavailable")
		return lightning.NewFakeBackend()
	}
	lnd, err := lightning.NewLndClient(lightning.LndConfig{
		Host:         host,
		TLSCertPath:  viper.GetString("lnd_cert_path"),
		MacaroonPath: viper.GetString("lnd_macaroon_path"),
	})
	if err != nil {
		printErr(err)
	}
	return lnd
}

func ensureSeed() {
	if _, err := store.GetSeed(); err == nil {
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		printErr(err)
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		printErr(err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		printErr(err)
	}
	if err := store.SaveMnemonicSeed(mnemonic, bip39.NewSeed(mnemonic, "")); err != nil {
		printErr(err)
	}
	fmt.Println("new wallet seed generated, write this mnemonic down:")
	fmt.Println(mnemonic)
}

func setup(ctx *cli.Context) error {
	loadConfig()

	logger = logrus.New()
	if level, err := logrus.ParseLevel(viper.GetString("log_level")); err == nil {
		logger.SetLevel(level)
	}

	var err error
	store, err = storage.InitBolt(viper.GetString("cashtill_path"))
	if err != nil {
		printErr(err)
	}
	storeId = viper.GetString("store_id")
	ensureSeed()

	model, err := paymentModel(viper.GetString("payment_model"))
	if err != nil {
		printErr(err)
	}
	if mints := viper.GetString("trusted_mints"); mints != "" {
		trustedMints = strings.Split(mints, ",")
	}
	config := settlement.Config{
		Model:        model,
		TrustedMints: trustedMints,
		Fees: settlement.FeeConfig{
			MaxKeysetFeePercent:    viper.GetUint64("max_keyset_fee_percent"),
			MaxLightningFeePercent: viper.GetUint64("max_lightning_fee_percent"),
			CustomerFeeAdvance:     viper.GetUint64("customer_fee_advance"),
		},
	}

	client = mintclient.New()
	lnBackend := lightningBackend()
	sink := &logSink{logger: logger}

	registry := settlement.NewKeysetRegistry(client, store, logger)
	deriver := settlement.NewOutputDeriver(store)
	swapEngine := settlement.NewSwapEngine(client, registry, deriver, store, logger)
	meltEngine := settlement.NewMeltEngine(client, lnBackend, registry, deriver, store, logger)
	orchestrator = settlement.NewOrchestrator(client, swapEngine, meltEngine, registry, sink, config, logger)
	exporter = settlement.NewExporter(client, swapEngine, registry, store, logger)
	coordinator = settlement.NewRecoveryCoordinator(client, lnBackend, registry, store, sink, logger)
	restorer = settlement.NewRestoreService(client, registry, store, logger)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "cashtill",
		Usage: "cashu settlement engine for merchants",
		Commands: []*cli.Command{
			balanceCmd,
			receiveCmd,
			exportCmd,
			reconcileCmd,
			recoverCmd,
			restoreCmd,
			pendingCmd,
			countersCmd,
			mintInfoCmd,
			mnemonicCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "show spendable balance per mint",
	Before: setup,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	proofs, err := store.GetProofs(storeId, storage.Available)
	if err != nil {
		printErr(err)
	}

	byMint := make(map[string]uint64)
	var total uint64
	for _, proof := range proofs {
		byMint[proof.MintURL] += proof.Amount
		total += proof.Amount
	}
	for mintURL, amount := range byMint {
		fmt.Printf("%v: %v sats\n", mintURL, amount)
	}
	fmt.Printf("total: %v sats\n", total)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "accept a cashu token as payment",
	ArgsUsage: "<token>",
	Before:    setup,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "due",
			Usage: "amount in sats the token must cover",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	result, err := orchestrator.ProcessPayment(ctx.Context, settlement.PaymentRequest{
		StoreId:   storeId,
		InvoiceId: uuid.NewString(),
		Token:     ctx.Args().First(),
		AmountDue: ctx.Uint64("due"),
	})
	if err != nil {
		printErr(err)
	}

	switch result.Outcome.State {
	case settlement.Settled:
		fmt.Printf("received %v sats from %v\n", result.Amount, result.MintURL)
	case settlement.SettledShort:
		fmt.Printf("received %v sats from %v, recovered value came up short (record %v)\n",
			result.Amount, result.MintURL, result.Outcome.FailedTxId)
	default:
		fmt.Printf("outcome unknown, run 'cashtill recover' later (record %v)\n", result.Outcome.FailedTxId)
	}
	return nil
}

var exportCmd = &cli.Command{
	Name:      "export",
	Usage:     "withdraw an amount as a cashu token",
	ArgsUsage: "<amount>",
	Before:    setup,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mint",
			Usage: "mint to export from",
		},
	},
	Action: export,
}

func export(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		printErr(errors.New("amount not provided"))
	}
	amount, err := strconv.ParseUint(ctx.Args().First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	mintURL := ctx.String("mint")
	if mintURL == "" {
		if len(trustedMints) == 0 {
			printErr(errors.New("no mint specified and no trusted mints configured"))
		}
		mintURL = trustedMints[0]
	}
	mintURL, err = mintclient.NormalizeMintURL(mintURL)
	if err != nil {
		printErr(err)
	}

	exported, err := exporter.ExportProofs(ctx.Context, storeId, mintURL, amount)
	if err != nil {
		printErr(err)
	}
	fmt.Println(exported.Token)
	return nil
}

var reconcileCmd = &cli.Command{
	Name:   "reconcile",
	Usage:  "mark redeemed exported tokens as used",
	Before: setup,
	Action: reconcile,
}

func reconcile(ctx *cli.Context) error {
	reconciled, err := exporter.Reconcile(ctx.Context)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v exported tokens redeemed\n", reconciled)
	return nil
}

var recoverCmd = &cli.Command{
	Name:   "recover",
	Usage:  "resolve interrupted swaps and melts",
	Before: setup,
	Action: recoverCmdAction,
}

func recoverCmdAction(ctx *cli.Context) error {
	if err := coordinator.Run(ctx.Context); err != nil {
		printErr(err)
	}
	failedTxs, err := store.GetUnresolvedTransactions()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v records still unresolved\n", len(failedTxs))
	return nil
}

var restoreCmd = &cli.Command{
	Name:   "restore",
	Usage:  "rebuild proofs from seed by scanning mints",
	Before: setup,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "mint",
			Usage: "mint to scan, repeatable",
		},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	mintURLs := ctx.StringSlice("mint")
	if len(mintURLs) == 0 {
		mintURLs = trustedMints
	}
	if len(mintURLs) == 0 {
		printErr(errors.New("no mints to scan, pass --mint or configure trusted mints"))
	}
	for i, mintURL := range mintURLs {
		normalized, err := mintclient.NormalizeMintURL(mintURL)
		if err != nil {
			printErr(err)
		}
		mintURLs[i] = normalized
	}

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	restorer.Start(runCtx)

	jobId := restorer.Enqueue(storeId, mintURLs)
	if err := restorer.Wait(runCtx, jobId); err != nil {
		printErr(err)
	}

	progress, _ := restorer.Progress(jobId)
	for mintURL, mintProgress := range progress.Mints {
		if mintProgress.Unreachable {
			fmt.Printf("%v: unreachable\n", mintURL)
			continue
		}
		fmt.Printf("%v: %v proofs restored\n", mintURL, mintProgress.Restored)
	}
	for _, errMsg := range progress.Errors {
		fmt.Printf("error: %v\n", errMsg)
	}
	return nil
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "list unresolved recovery records",
	Before: setup,
	Action: pending,
}

func pending(ctx *cli.Context) error {
	failedTxs, err := store.GetUnresolvedTransactions()
	if err != nil {
		printErr(err)
	}
	if len(failedTxs) == 0 {
		fmt.Println("nothing pending")
		return nil
	}
	for _, failedTx := range failedTxs {
		fmt.Printf("%v  %v  %v sats  %v  retries=%v  %v\n",
			failedTx.Id, failedTx.Operation, failedTx.InputAmount,
			failedTx.MintURL, failedTx.RetryCount, failedTx.Details)
	}
	return nil
}

var countersCmd = &cli.Command{
	Name:   "counters",
	Usage:  "show derivation counters per keyset",
	Before: setup,
	Action: counters,
}

func counters(ctx *cli.Context) error {
	byKeyset, err := store.GetCounters(storeId)
	if err != nil {
		printErr(err)
	}
	if len(byKeyset) == 0 {
		fmt.Println("no counters yet")
		return nil
	}
	for keysetId, counter := range byKeyset {
		mintURL, _, err := store.ResolveKeyset(keysetId)
		if err != nil {
			mintURL = "unknown mint"
		}
		fmt.Printf("%v  %v  counter=%v\n", keysetId, mintURL, counter)
	}
	return nil
}

var mintInfoCmd = &cli.Command{
	Name:      "mint-info",
	Usage:     "show a mint's advertised info and capabilities",
	ArgsUsage: "<mint url>",
	Before:    setup,
	Action:    mintInfo,
}

func mintInfo(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		printErr(errors.New("mint url not provided"))
	}
	mintURL, err := mintclient.NormalizeMintURL(ctx.Args().First())
	if err != nil {
		printErr(err)
	}

	info, err := client.GetMintInfo(ctx.Context, mintURL)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("name: %v\nversion: %v\ndescription: %v\n", info.Name, info.Version, info.Description)
	if info.Motd != "" {
		fmt.Printf("motd: %v\n", info.Motd)
	}
	// the engine depends on state checks and restore being available
	for _, nut := range []string{"7", "8", "9", "12"} {
		fmt.Printf("nut-%v supported: %v\n", nut, info.Nuts.Supported(nut))
	}
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "print the wallet seed mnemonic",
	Before: setup,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	mnemonic, err := store.GetMnemonic()
	if err != nil {
		printErr(err)
	}
	fmt.Println(mnemonic)
	return nil
}

func printErr(err error) {
	fmt.Println(err.Error())
	os.Exit(1)
}
