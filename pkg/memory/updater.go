package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

// NoImageSentinel is the model's way of declining image generation. The
// comparison is case-insensitive.
const NoImageSentinel = "NO_IMAGE"

const updateSystemPrompt = `You maintain the narrative memory of a live tabletop RPG session.
Given the current memory document and newly transcribed speech, return the updated
memory document as JSON with the keys "characters", "items" and "locations", each a
mapping of name to a one-sentence description. Return only JSON. If the new text
adds nothing, return an empty response.`

const imageSystemPrompt = `You decide whether a newly transcribed moment of a tabletop RPG
session deserves an illustration. If it does, reply with a single vivid image-generation
prompt describing the scene. If it does not, reply with exactly NO_IMAGE.`

// Completer runs one chat exchange. *ai.Service satisfies it.
type Completer interface {
	Completion(ctx context.Context, system, user, model string) (string, error)
}

// Updater turns newly observed transcript text into memory-document
// updates and image-generation decisions.
type Updater struct {
	logger    *log.Logger
	completer Completer
	model     string
}

func NewUpdater(logger *log.Logger, completer Completer, model string) *Updater {
	return &Updater{logger: logger, completer: completer, model: model}
}

// Update asks the model to fold newText into the document. An empty or
// unparseable response means "no update" and returns the document
// unchanged; only the transport call itself can error.
func (u *Updater) Update(ctx context.Context, doc *Document, newText string) (*Document, error) {
	current, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	user := fmt.Sprintf("Current memory:\n%s\n\nNew transcript text:\n%s", current, newText)
	response, err := u.completer.Completion(ctx, updateSystemPrompt, user, u.model)
	if err != nil {
		return nil, err
	}

	response = strings.TrimSpace(stripCodeFence(response))
	if response == "" {
		u.logger.Info("Memory model returned no update")
		return doc, nil
	}

	updated := NewDocument()
	if err := json.Unmarshal([]byte(response), updated); err != nil {
		u.logger.Warn("Memory model returned unparseable update, keeping current document", "error", err)
		return doc, nil
	}

	// The model only returns the entity maps; processed-chunk history is
	// ours to carry forward.
	updated.ProcessedChunks = doc.ProcessedChunks
	if updated.Characters == nil {
		updated.Characters = doc.Characters
	}
	if updated.Items == nil {
		updated.Items = doc.Items
	}
	if updated.Locations == nil {
		updated.Locations = doc.Locations
	}
	return updated, nil
}

// ImagePrompt asks the model whether the new text warrants an image. It
// returns an empty prompt when the model declines with the sentinel (in
// any casing) or returns nothing.
func (u *Updater) ImagePrompt(ctx context.Context, newText string, recentHistory []string, doc *Document) (string, error) {
	current, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	user := fmt.Sprintf("Memory:\n%s\n\nRecent transcript:\n%s\n\nNew text:\n%s",
		current, strings.Join(recentHistory, "\n"), newText)
	response, err := u.completer.Completion(ctx, imageSystemPrompt, user, u.model)
	if err != nil {
		return "", err
	}

	response = strings.TrimSpace(response)
	if response == "" || strings.EqualFold(response, NoImageSentinel) {
		return "", nil
	}
	return response, nil
}

// stripCodeFence removes a surrounding markdown code fence the model
// sometimes wraps JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return s
}
