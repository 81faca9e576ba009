// Package vocab turns raw text into integer token
// sequences.
//
// It provides the segmentation schemes used to split a
// line into tokens, and the Indexer which assigns every
// frequent token a dense integer id.
package vocab

import (
	"errors"
	"strings"

	"github.com/unixpickle/essentials"
)

// ErrUnsupportedSegmentation is returned when a
// segmentation name is not recognized.
var ErrUnsupportedSegmentation = errors.New("unsupported segmentation type")

// Segmentation is a scheme for splitting a line of text
// into tokens.
type Segmentation int

const (
	// Word splits a line on single spaces.
	Word Segmentation = iota

	// Char produces one token per character, spaces
	// included.
	Char

	// Word2Char removes spaces and then produces one
	// token per character.
	Word2Char
)

// ParseSegmentation decodes the textual name of a
// segmentation ("word", "char", or "word2char").
func ParseSegmentation(name string) (Segmentation, error) {
	switch name {
	case "word":
		return Word, nil
	case "char":
		return Char, nil
	case "word2char":
		return Word2Char, nil
	}
	return 0, essentials.AddCtx("parse segmentation "+name, ErrUnsupportedSegmentation)
}

// String returns the textual name of the segmentation.
func (s Segmentation) String() string {
	switch s {
	case Word:
		return "word"
	case Char:
		return "char"
	case Word2Char:
		return "word2char"
	default:
		return "unknown"
	}
}

// Segment splits a line into tokens.
//
// Word segmentation of an empty line yields a single
// empty token, while the character schemes yield none.
func (s Segmentation) Segment(line string) []string {
	switch s {
	case Word:
		return strings.Split(line, " ")
	case Char:
		return splitRunes(line)
	case Word2Char:
		return splitRunes(strings.Replace(line, " ", "", -1))
	default:
		panic("unknown segmentation")
	}
}

func splitRunes(s string) []string {
	res := make([]string, 0, len(s))
	for _, r := range s {
		res = append(res, string(r))
	}
	return res
}
