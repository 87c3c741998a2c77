package extractor

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/candidatelabs/slackrag/internal/store"
)

// linkedInAnchorRegex matches Slack-formatted links of the form
// <https://linkedin.com/in/slug|Candidate Name>.
var linkedInAnchorRegex = regexp.MustCompile(`<(https?://(?:www\.)?linkedin\.com/in/[^>|]+)\|([^>]+)>`)

// linkedInURLRegex matches bare LinkedIn profile URLs.
var linkedInURLRegex = regexp.MustCompile(`(?:https?://)?(?:www\.)?linkedin\.com/in/[^>\s|]+`)

// Candidate is an anchor: the message that introduced a candidate via a
// LinkedIn link.
type Candidate struct {
	Name        string
	LinkedInURL string
	MessageID   string
	Timestamp   string
	ChannelName string
	UserID      string
	Text        string
}

// Association collects the messages tied to one candidate, split by how the
// tie was made.
type Association struct {
	Anchor  Candidate
	Threads []store.MessageRecord
	Direct  []store.MessageRecord
	Fuzzy   []store.MessageRecord
}

// SemanticSearcher is the slice of the RAG layer fuzzy association needs.
type SemanticSearcher interface {
	SemanticSearch(ctx context.Context, query string, limit int, channelName string) ([]string, error)
}

// EmbedFunc produces an embedding for a single text.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// AskFunc sends a prompt to an LLM and returns its answer.
type AskFunc func(ctx context.Context, prompt string) (string, error)

// Extractor finds candidate anchors in channel messages and associates the
// surrounding conversation with them.
type Extractor struct {
	candidates   []Candidate
	candidateMap map[string]*Candidate
	associations map[string]*Association
}

// New returns an empty Extractor.
func New() *Extractor {
	return &Extractor{
		candidateMap: make(map[string]*Candidate),
		associations: make(map[string]*Association),
	}
}

// HasLinkedInURL reports whether text contains a LinkedIn profile link in
// either anchor or bare form.
func HasLinkedInURL(text string) bool {
	return linkedInURLRegex.MatchString(text)
}

// ExtractCandidates scans messages for LinkedIn anchors and registers one
// candidate per anchor. It returns all candidates found so far.
func (e *Extractor) ExtractCandidates(messages []store.MessageRecord, channelName string) []Candidate {
	for _, msg := range messages {
		for _, match := range linkedInAnchorRegex.FindAllStringSubmatch(msg.Text, -1) {
			url := strings.TrimSpace(match[1])
			candidate := Candidate{
				Name:        strings.TrimSpace(match[2]),
				LinkedInURL: url,
				MessageID:   msg.ID,
				Timestamp:   messageTS(msg),
				ChannelName: channelName,
				UserID:      msg.UserID,
				Text:        msg.Text,
			}
			e.candidates = append(e.candidates, candidate)
			stored := &e.candidates[len(e.candidates)-1]
			e.candidateMap[url] = stored
			e.associations[url] = &Association{Anchor: candidate}
		}
	}
	return e.candidates
}

// AssociateThreads ties thread replies to the candidate whose anchor started
// the thread.
func (e *Extractor) AssociateThreads(messages []store.MessageRecord) {
	threadMap := make(map[string]string, len(e.associations))
	for url, assoc := range e.associations {
		threadMap[assoc.Anchor.Timestamp] = url
	}
	for _, msg := range messages {
		if msg.ThreadTS == "" {
			continue
		}
		url, ok := threadMap[msg.ThreadTS]
		if !ok || messageTS(msg) == msg.ThreadTS {
			continue
		}
		assoc := e.associations[url]
		assoc.Threads = append(assoc.Threads, msg)
	}
}

// AssociateDirectMentions ties messages that mention a candidate's name or
// LinkedIn URL outside the anchor thread.
func (e *Extractor) AssociateDirectMentions(messages []store.MessageRecord) {
	for _, msg := range messages {
		lowerText := strings.ToLower(msg.Text)
		for url, candidate := range e.candidateMap {
			if msg.ID == candidate.MessageID {
				continue
			}
			if msg.ThreadTS != "" && msg.ThreadTS == candidate.Timestamp {
				continue
			}
			if strings.Contains(msg.Text, url) || strings.Contains(lowerText, strings.ToLower(candidate.Name)) {
				assoc := e.associations[url]
				assoc.Direct = append(assoc.Direct, msg)
			}
		}
	}
}

// AssociateFuzzy runs semantic search over the remaining messages and ties a
// message to a candidate when the candidate's name shows up in the top hits.
func (e *Extractor) AssociateFuzzy(ctx context.Context, messages []store.MessageRecord, searcher SemanticSearcher, channelName string) error {
	for _, msg := range messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		for url, candidate := range e.candidateMap {
			assoc := e.associations[url]
			if msg.ID == candidate.MessageID || containsMessage(assoc.Threads, msg.ID) || containsMessage(assoc.Direct, msg.ID) {
				continue
			}
			docs, err := searcher.SemanticSearch(ctx, msg.Text, 3, channelName)
			if err != nil {
				return fmt.Errorf("semantic search for fuzzy association: %w", err)
			}
			if strings.Contains(strings.Join(docs, ""), candidate.Name) {
				assoc.Fuzzy = append(assoc.Fuzzy, msg)
			}
		}
	}
	return nil
}

// SimilarityJudge reports whether two texts embed within the given cosine
// similarity threshold of each other.
func SimilarityJudge(ctx context.Context, embed EmbedFunc, anchorText, messageText string, threshold float64) (bool, error) {
	if strings.TrimSpace(messageText) == "" {
		return false, nil
	}
	anchorEmb, err := embed(ctx, anchorText)
	if err != nil {
		return false, fmt.Errorf("embed anchor text: %w", err)
	}
	msgEmb, err := embed(ctx, messageText)
	if err != nil {
		return false, fmt.Errorf("embed message text: %w", err)
	}
	return CosineSimilarity(anchorEmb, msgEmb) >= threshold, nil
}

// LLMJudge asks the model for a yes/no verdict on whether the message is
// about the candidate.
func LLMJudge(ctx context.Context, ask AskFunc, candidate Candidate, messageText string) (bool, error) {
	prompt := fmt.Sprintf(
		"Candidate: %s (%s)\nMessage: %s\nIs this message about the candidate? Answer YES or NO.",
		candidate.Name, candidate.LinkedInURL, messageText,
	)
	response, err := ask(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("llm judge: %w", err)
	}
	return strings.Contains(strings.ToLower(response), "yes"), nil
}

// CosineSimilarity returns the cosine similarity of two vectors, or 0 when
// either is empty or zero-length.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Associations returns the association set for a LinkedIn URL, or nil.
func (e *Extractor) Associations(linkedinURL string) *Association {
	return e.associations[linkedinURL]
}

// AllCandidates returns every candidate found so far.
func (e *Extractor) AllCandidates() []Candidate {
	return e.candidates
}

// AllAssociations returns the full association map keyed by LinkedIn URL.
func (e *Extractor) AllAssociations() map[string]*Association {
	return e.associations
}

func containsMessage(messages []store.MessageRecord, id string) bool {
	for _, m := range messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// messageTS recovers the raw Slack timestamp from a warehouse row ID of the
// form <channel>_<ts>, falling back to the formatted float timestamp.
func messageTS(msg store.MessageRecord) string {
	if idx := strings.LastIndex(msg.ID, "_"); idx >= 0 && idx < len(msg.ID)-1 {
		return msg.ID[idx+1:]
	}
	return fmt.Sprintf("%.6f", msg.Timestamp)
}
