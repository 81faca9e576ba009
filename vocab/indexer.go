package vocab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unixpickle/essentials"
)

var (
	// ErrFinalized is returned when a token is added to an
	// Indexer which has already been finalized.
	ErrFinalized = errors.New("indexer is finalized")

	// ErrDuplicateWord is returned when a token is added
	// to an Indexer twice.
	ErrDuplicateWord = errors.New("duplicate token")

	// ErrBadMapping is returned when a serialized Indexer
	// does not describe a dense, one-to-one mapping.
	ErrBadMapping = errors.New("invalid token mapping")
)

// An Indexer maps tokens to dense integer ids.
//
// Ids 0 through N-1 are assigned to tokens in the order
// they were added.
// Id N is reserved for unknown tokens, so an Indexer with
// N tokens covers N+1 ids.
//
// Tokens may only be added before Finalize is called.
type Indexer struct {
	words     []string
	ids       map[string]int
	finalized bool
}

// NewIndexer creates an empty, unfinalized Indexer.
func NewIndexer() *Indexer {
	return &Indexer{ids: map[string]int{}}
}

// Add assigns the next id to a token.
func (i *Indexer) Add(token string) error {
	if i.finalized {
		return essentials.AddCtx("add "+token, ErrFinalized)
	}
	if _, ok := i.ids[token]; ok {
		return essentials.AddCtx("add "+token, ErrDuplicateWord)
	}
	i.ids[token] = len(i.words)
	i.words = append(i.words, token)
	return nil
}

// Finalize freezes the Indexer.
func (i *Indexer) Finalize() {
	i.finalized = true
}

// Finalized reports whether Finalize has been called.
func (i *Indexer) Finalized() bool {
	return i.finalized
}

// Len returns the number of ids, including the unknown
// id.
func (i *Indexer) Len() int {
	return len(i.words) + 1
}

// NumWords returns the number of known tokens.
func (i *Indexer) NumWords() int {
	return len(i.words)
}

// UnkID returns the id used for unknown tokens.
func (i *Indexer) UnkID() int {
	return len(i.words)
}

// IsUnk checks if an id is the unknown id.
func (i *Indexer) IsUnk(id int) bool {
	return id == len(i.words)
}

// ID looks up the id for a token, returning the unknown
// id if the token is not indexed.
func (i *Indexer) ID(token string) int {
	if id, ok := i.ids[token]; ok {
		return id
	}
	return i.UnkID()
}

// Word returns the token for an id.
// The unknown id and out-of-range ids map to "<UNK>".
func (i *Indexer) Word(id int) string {
	if id < 0 || id >= len(i.words) {
		return "<UNK>"
	}
	return i.words[id]
}

// Convert maps a token sequence to ids.
func (i *Indexer) Convert(tokens []string) []int {
	res := make([]int, len(tokens))
	for j, tok := range tokens {
		res[j] = i.ID(tok)
	}
	return res
}

// Deconvert maps ids back to tokens.
func (i *Indexer) Deconvert(ids []int) []string {
	res := make([]string, len(ids))
	for j, id := range ids {
		res[j] = i.Word(id)
	}
	return res
}

type indexerJSON struct {
	Voc []indexerEntry `json:"voc"`
	Unk int            `json:"unk"`
}

type indexerEntry struct {
	Token string
	ID    int
}

func (e indexerEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Token, e.ID})
}

func (e *indexerEntry) UnmarshalJSON(d []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(d, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected [token, id] pair but got %d values", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Token); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.ID)
}

// MarshalJSON encodes the Indexer as an ordered list of
// (token, id) pairs plus the unknown id.
func (i *Indexer) MarshalJSON() ([]byte, error) {
	obj := indexerJSON{Unk: i.UnkID(), Voc: make([]indexerEntry, len(i.words))}
	for id, w := range i.words {
		obj.Voc[id] = indexerEntry{Token: w, ID: id}
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes an Indexer produced by
// MarshalJSON.
//
// The decoded Indexer is finalized.
func (i *Indexer) UnmarshalJSON(d []byte) error {
	var obj indexerJSON
	if err := json.Unmarshal(d, &obj); err != nil {
		return essentials.AddCtx("unmarshal indexer", err)
	}
	words := make([]string, len(obj.Voc))
	seen := make([]bool, len(obj.Voc))
	ids := make(map[string]int, len(obj.Voc))
	for _, entry := range obj.Voc {
		if entry.ID < 0 || entry.ID >= len(words) || seen[entry.ID] {
			return essentials.AddCtx("unmarshal indexer",
				fmt.Errorf("%w: id %d", ErrBadMapping, entry.ID))
		}
		if _, ok := ids[entry.Token]; ok {
			return essentials.AddCtx("unmarshal indexer",
				fmt.Errorf("%w: token %q", ErrBadMapping, entry.Token))
		}
		seen[entry.ID] = true
		words[entry.ID] = entry.Token
		ids[entry.Token] = entry.ID
	}
	if obj.Unk != len(words) {
		return essentials.AddCtx("unmarshal indexer",
			fmt.Errorf("%w: unknown id %d collides with %d tokens", ErrBadMapping,
				obj.Unk, len(words)))
	}
	i.words = words
	i.ids = ids
	i.finalized = true
	return nil
}
