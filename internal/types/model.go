// Package types holds the data model shared by the orchestration packages.
package types

import (
	"fmt"
	"strings"
)

// Family is a category of transcription backend sharing a loading and
// execution strategy.
type Family string

const (
	FamilyLocal               Family = "local"    // whisper.cpp in-process
	FamilyAlternativeOnDevice Family = "ondevice" // external on-device engine
	FamilyRemote              Family = "remote"   // network API
	FamilyPlatformNative      Family = "platform" // OS-provided recognizer
)

// Families lists every known family in display order.
var Families = []Family{
	FamilyLocal,
	FamilyAlternativeOnDevice,
	FamilyRemote,
	FamilyPlatformNative,
}

// ParseFamily parses a family name.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown model family %q", s)
}

// ModelDescriptor describes a selectable transcription backend, independent
// of whether it is downloaded or loaded.
type ModelDescriptor struct {
	Identifier         string            `json:"identifier"`
	DisplayName        string            `json:"displayName"`
	Family             Family            `json:"family"`
	IsMultilingual     bool              `json:"isMultilingual"`
	SupportedLanguages map[string]string `json:"supportedLanguages,omitempty"` // code -> name; empty accepts any language when IsMultilingual
	IsDownloaded       bool              `json:"isDownloaded"`
	IsLoadedInMemory   bool              `json:"isLoadedInMemory"`

	Filename  string `json:"filename,omitempty"`  // on-disk file for downloadable families
	URL       string `json:"url,omitempty"`       // download source
	SizeBytes int64  `json:"sizeBytes,omitempty"` // estimate used when Content-Length is missing
	Vendor    string `json:"vendor,omitempty"`    // remote backend key ("openai", "groq", "google")
	Model     string `json:"model,omitempty"`     // vendor-side model name

	// RequiresPreprocessing is true when the backend only accepts canonical
	// 16 kHz mono PCM16 audio.
	RequiresPreprocessing bool `json:"requiresPreprocessing"`
}

// Downloadable reports whether the descriptor has an artifact to fetch.
func (d ModelDescriptor) Downloadable() bool {
	return d.URL != "" && d.Filename != ""
}

// SupportsLanguage reports whether the model accepts the given language hint.
// Empty and "auto" are always accepted.
func (d ModelDescriptor) SupportsLanguage(code string) bool {
	if code == "" || code == "auto" {
		return true
	}
	if len(d.SupportedLanguages) == 0 {
		return d.IsMultilingual || code == "en"
	}
	_, ok := d.SupportedLanguages[code]
	return ok
}

func (d ModelDescriptor) String() string {
	return fmt.Sprintf("%s/%s", d.Family, d.Identifier)
}

// Substitution is one find/replace entry of the user vocabulary table.
type Substitution struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}
