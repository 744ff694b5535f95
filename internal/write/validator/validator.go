// Package validator checks write requests before the master touches any
// state. Failures carry per-field messages and match errors.ErrSchemaInvalid.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/MatthewMawby/SearchIndex/internal/write"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

const (
	maxDocumentIDLength = 1024
	maxTokens           = 100000
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrSchemaInvalid
}

var (
	requestFields = []string{"documentID", "tokenCount", "importantTokenRanges", "tokens"}
	rangeFields   = []string{"fieldName", "rangeStart", "rangeEnd"}
	tokenFields   = []string{"token", "ngramSize", "locations"}
)

// ParseRequest decodes a JSON body, requiring every schema field to be
// present, and then applies ValidateRequest.
func ParseRequest(body []byte) (*write.Request, error) {
	var (
		top    map[string]json.RawMessage
		ranges []map[string]json.RawMessage
		tokens []map[string]json.RawMessage
	)
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"body": "invalid JSON: " + err.Error()}}
	}

	errs := make(map[string]string)
	missing(errs, "", top, requestFields)
	if v, ok := top["importantTokenRanges"]; ok {
		if err := json.Unmarshal(v, &ranges); err != nil {
			errs["importantTokenRanges"] = "must be an array of objects"
		}
	}
	if v, ok := top["tokens"]; ok {
		if err := json.Unmarshal(v, &tokens); err != nil {
			errs["tokens"] = "must be an array of objects"
		}
	}
	for i, r := range ranges {
		missing(errs, fmt.Sprintf("importantTokenRanges[%d].", i), r, rangeFields)
	}
	for i, t := range tokens {
		missing(errs, fmt.Sprintf("tokens[%d].", i), t, tokenFields)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	var req write.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"body": err.Error()}}
	}
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func missing(errs map[string]string, prefix string, obj map[string]json.RawMessage, fields []string) {
	for _, f := range fields {
		v, ok := obj[f]
		if !ok || string(v) == "null" {
			errs[prefix+f] = "is required"
		}
	}
}

// ValidateRequest checks field values of an already decoded request.
// Document IDs and tokens must be valid UTF-8; partitions are stored as JSON
// and would otherwise rewrite them.
func ValidateRequest(req *write.Request) error {
	errs := make(map[string]string)

	id := strings.TrimSpace(req.DocumentID)
	switch {
	case id == "":
		errs["documentID"] = "documentID is required"
	case len(req.DocumentID) > maxDocumentIDLength:
		errs["documentID"] = fmt.Sprintf("documentID must be at most %d characters", maxDocumentIDLength)
	case !utf8.ValidString(req.DocumentID):
		errs["documentID"] = "documentID must be valid UTF-8"
	}
	if req.TokenCount < 0 {
		errs["tokenCount"] = "tokenCount must not be negative"
	}
	if req.ImportantTokenRanges == nil {
		errs["importantTokenRanges"] = "importantTokenRanges is required"
	}
	for i, r := range req.ImportantTokenRanges {
		prefix := fmt.Sprintf("importantTokenRanges[%d]", i)
		if r.FieldName == "" {
			errs[prefix+".fieldName"] = "fieldName is required"
		}
		if r.RangeStart < 0 || r.RangeEnd < r.RangeStart {
			errs[prefix] = "range must satisfy 0 <= rangeStart <= rangeEnd"
		}
	}
	switch {
	case len(req.Tokens) == 0:
		errs["tokens"] = "at least one token is required"
	case len(req.Tokens) > maxTokens:
		errs["tokens"] = fmt.Sprintf("at most %d tokens per request", maxTokens)
	}
	for i, t := range req.Tokens {
		prefix := fmt.Sprintf("tokens[%d]", i)
		switch {
		case strings.TrimSpace(t.Token) == "":
			errs[prefix+".token"] = "token must not be empty"
		case !utf8.ValidString(t.Token):
			errs[prefix+".token"] = "token must be valid UTF-8"
		}
		if t.NgramSize < 1 {
			errs[prefix+".ngramSize"] = "ngramSize must be at least 1"
		}
		if t.Locations == nil {
			errs[prefix+".locations"] = "locations is required"
		}
		for _, loc := range t.Locations {
			if loc < 0 {
				errs[prefix+".locations"] = "locations must not be negative"
				break
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
