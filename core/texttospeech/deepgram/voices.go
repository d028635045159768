package deepgram

import "slices"

const DefaultVoice = "aura-2-thalia-en"

var availableVoices = []string{
	"aura-2-thalia-en",
	"aura-2-andromeda-en",
	"aura-2-helena-en",
	"aura-2-apollo-en",
	"aura-2-arcas-en",
	"aura-2-aries-en",
	"aura-asteria-en",
	"aura-luna-en",
	"aura-orion-en",
}

func GetAvailableVoices() []string {
	return slices.Clone(availableVoices)
}

func IsAvailableVoice(voice string) bool {
	return slices.Contains(availableVoices, voice)
}
