package models

import (
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/dictate/internal/types"
)

const hfWhisper = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// whisperLanguages is the subset of whisper's languages offered as hints.
var whisperLanguages = map[string]string{
	"auto": "Auto-detect",
	"en":   "English",
	"de":   "German",
	"es":   "Spanish",
	"fr":   "French",
	"it":   "Italian",
	"ja":   "Japanese",
	"ko":   "Korean",
	"nl":   "Dutch",
	"pl":   "Polish",
	"pt":   "Portuguese",
	"ru":   "Russian",
	"sv":   "Swedish",
	"tr":   "Turkish",
	"uk":   "Ukrainian",
	"zh":   "Chinese",
	"af":   "Afrikaans",
	"ar":   "Arabic",
	"hi":   "Hindi",
}

var englishOnly = map[string]string{"en": "English"}

type ggmlModel struct {
	file      string
	label     string
	sizeBytes int64
}

// localModels is the whisper.cpp ggml catalog.
// Models from: https://huggingface.co/ggerganov/whisper.cpp
var localModels = []ggmlModel{
	{"ggml-tiny.en.bin", "Tiny English", 39_000_000},
	{"ggml-tiny.bin", "Tiny Multilingual", 39_000_000},
	{"ggml-base.en.bin", "Base English", 142_000_000},
	{"ggml-base.bin", "Base Multilingual", 142_000_000},
	{"ggml-small.en.bin", "Small English", 466_000_000},
	{"ggml-small.bin", "Small Multilingual", 466_000_000},
	{"ggml-medium.bin", "Medium Multilingual", 1_500_000_000},
	{"ggml-large-v3.bin", "Large V3 Multilingual", 3_000_000_000},
	{"ggml-large-v3-turbo.bin", "Large V3 Turbo Multilingual", 1_600_000_000},
}

// onDeviceModels are quantized ggml builds run by an external whisper CLI.
var onDeviceModels = []ggmlModel{
	{"ggml-base.en-q5_1.bin", "Base English (q5_1)", 57_000_000},
	{"ggml-small-q5_1.bin", "Small Multilingual (q5_1)", 190_000_000},
	{"ggml-large-v3-turbo-q5_0.bin", "Large V3 Turbo (q5_0)", 574_000_000},
}

// ggmlDescriptors turns a ggml catalog into descriptors of the given family.
// The identifier is the filename without ".bin".
func ggmlDescriptors(family types.Family, catalog []ggmlModel) []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(catalog))
	for _, m := range catalog {
		english := strings.Contains(m.file, ".en")
		langs := whisperLanguages
		if english {
			langs = englishOnly
		}
		out = append(out, types.ModelDescriptor{
			Identifier:            strings.TrimSuffix(m.file, ".bin"),
			DisplayName:           m.label,
			Family:                family,
			IsMultilingual:        !english,
			SupportedLanguages:    maps.Clone(langs),
			Filename:              m.file,
			URL:                   hfWhisper + m.file,
			SizeBytes:             m.sizeBytes,
			RequiresPreprocessing: true,
		})
	}
	return out
}

// fileDownloaded reports whether a model file exists and is non-empty.
func fileDownloaded(dir, name string) bool {
	if dir == "" || name == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}
