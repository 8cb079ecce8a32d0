package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

var adjectives = []string{
	"Adventurous", "Ambitious", "Brave", "Bright", "Charming", "Cheerful", "Clever", "Cool",
	"Courageous", "Creative", "Dapper", "Dazzling", "Debonair", "Determined", "Diligent", "Dynamic",
	"Eager", "Eloquent", "Enchanting", "Energetic", "Enthusiastic", "Epic", "Fancy", "Fearless",
	"Gallant", "Gentle", "Giant", "Gleaming", "Happy", "Honest", "Jolly", "Jovial",
	"Keen", "Kind", "Lucky", "Magic", "Majestic", "Merry", "Noble", "Plucky",
	"Polite", "Proud", "Quick", "Radiant", "Royal", "Silly", "Stellar", "Tiny",
	"Vibrant", "Witty",
}

var nouns = []string{
	"Aardvark", "Alpaca", "Antelope", "Axolotl", "Badger", "Bison", "Capybara", "Chameleon",
	"Cheetah", "Cobra", "Dingo", "Dolphin", "Dragon", "Eagle", "Echidna", "Elephant",
	"Falcon", "Ferret", "Fossa", "Fox", "Gazelle", "Gecko", "Giraffe", "Grizzly",
	"Hippo", "Husky", "Ibex", "Iguana", "Impala", "Jaguar", "Jellyfish", "Kangaroo",
	"Kingfisher", "Koala", "Lemming", "Lemur", "Leopard", "Llama", "Manatee", "Mongoose",
	"Narwhal", "Nightingale", "Ocelot", "Octopus", "Okapi", "Ostrich", "Panda", "Panther",
	"Phoenix", "Quokka",
}

// Payload is the synthetic record content produced by NamePayloads.
type Payload struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Value     string          `json:"value"`
	Metadata  PayloadMetadata `json:"metadata"`
}

// PayloadMetadata describes where a payload came from.
type PayloadMetadata struct {
	Source      string `json:"source"`
	Version     string `json:"version"`
	GeneratedAt string `json:"generatedAt"`
}

// NamePayloads generates "<Adjective>-<Noun>-<recordId>-<uuid8>" values.
var NamePayloads core.PayloadGenerator = core.PayloadGeneratorFunc(generateNamePayload)

func generateNamePayload(_ context.Context, _ string, recordID int) (json.RawMessage, error) {
	now := time.Now().UTC()
	p := Payload{
		ID:        recordID,
		Timestamp: now,
		Value: fmt.Sprintf("%s-%s-%d-%s",
			adjectives[rand.IntN(len(adjectives))],
			nouns[rand.IntN(len(nouns))],
			recordID,
			core.ShortID()),
		Metadata: PayloadMetadata{
			Source:      "scheduler",
			Version:     "1.0",
			GeneratedAt: core.FormatTime(now),
		},
	}
	return json.Marshal(p)
}
