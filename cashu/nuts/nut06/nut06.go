// Package nut06 holds the types for the mint info endpoint.
// See https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import "encoding/json"

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	Nuts            NutsMap       `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// NutsMap reports which protocol extensions the mint supports, keyed by
// nut number. The value shape varies per nut, so it stays raw until a
// caller cares about a specific one.
type NutsMap map[string]json.RawMessage

// Supported reports whether the mint advertises the given nut at all. For
// nuts whose entry is a {"supported": bool} object the flag is honored;
// any other advertised shape counts as supported.
func (nuts NutsMap) Supported(nut string) bool {
	raw, ok := nuts[nut]
	if !ok {
		return false
	}
	var entry struct {
		Supported *bool `json:"supported"`
	}
	if err := json.Unmarshal(raw, &entry); err == nil && entry.Supported != nil {
		return *entry.Supported
	}
	return true
}

// UnmarshalJSON tolerates the pre-2023 contact format, a list of string
// pairs, by dropping it rather than failing the whole info response.
func (info *MintInfo) UnmarshalJSON(data []byte) error {
	var temp struct {
		Name            string          `json:"name"`
		Pubkey          string          `json:"pubkey"`
		Version         string          `json:"version"`
		Description     string          `json:"description"`
		LongDescription string          `json:"description_long"`
		Contact         json.RawMessage `json:"contact"`
		Motd            string          `json:"motd"`
		Nuts            NutsMap         `json:"nuts"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	info.Name = temp.Name
	info.Pubkey = temp.Pubkey
	info.Version = temp.Version
	info.Description = temp.Description
	info.LongDescription = temp.LongDescription
	info.Motd = temp.Motd
	info.Nuts = temp.Nuts
	json.Unmarshal(temp.Contact, &info.Contact)
	return nil
}
