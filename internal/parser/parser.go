// Package parser implements the Parser Registry: CRUD over
// Parser Definitions, compiling regex-kind and grammar-kind parsers into
// in-process Parser objects and validating them against their samples.
package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

// Parser is a compiled parser: it turns a raw record into a flat field map.
type Parser interface {
	Parse(raw []byte) (map[string]any, error)
}

// regexParser extracts named capture groups from a line-oriented raw_event.
type regexParser struct {
	re *regexp.Regexp
}

func (p *regexParser) Parse(raw []byte) (map[string]any, error) {
	m := p.re.FindSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("no match")
	}
	fields := make(map[string]any, len(p.re.SubexpNames()))
	for i, name := range p.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		fields[name] = string(m[i])
	}
	return fields, nil
}

// grammarParser runs a compiled gojq query over the JSON-decoded raw_event,
// expecting an object result.
type grammarParser struct {
	code *gojq.Code
}

func (p *grammarParser) Parse(raw []byte) (map[string]any, error) {
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decoding raw_event for grammar parser: %w", err)
	}
	iter := p.code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("grammar parser produced no result")
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("running grammar parser: %w", err)
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("grammar parser must produce an object")
	}
	return fields, nil
}

// Compile builds a Parser from a definition's kind and body, then validates
// it against every sample.
func Compile(def models.ParserDefinition) (Parser, error) {
	var p Parser
	switch def.Kind {
	case models.ParserKindRegex:
		re, err := regexp.Compile(string(def.Body))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "compiling regex parser", err)
		}
		p = &regexParser{re: re}
	case models.ParserKindGrammar:
		query, err := gojq.Parse(string(def.Body))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "parsing grammar query", err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "compiling grammar query", err)
		}
		p = &grammarParser{code: code}
	default:
		return nil, apperr.New(apperr.KindValidation, "unknown parser kind: "+string(def.Kind))
	}

	for _, sample := range def.Samples {
		if _, err := p.Parse([]byte(sample)); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "parser failed on sample", err).
				WithDetails(map[string]any{"sample": sample})
		}
	}
	return p, nil
}

// sourceBindingTTL bounds how stale the source_id -> parser_id lookup (from
// log_sources_admin) can get before ActiveForSource blocks on a reload.
const sourceBindingTTL = 30 * time.Second

// Registry is the CRUD surface plus the atomically-swapped active binding
// cache consulted on the ingest hot path.
type Registry struct {
	store store.Store

	mu sync.RWMutex
	compiled map[string]Parser // parser_id -> active compiled Parser

	bindMu sync.RWMutex
	sourceParsers map[string]string // source_id -> parser_id, from log_sources_admin
	sourceLoadedAt time.Time
}

// New constructs an empty Registry. Call LoadActive (or Create/Update) to
// populate the compiled binding cache.
func New(s store.Store) *Registry {
	return &Registry{store: s, compiled: make(map[string]Parser), sourceParsers: make(map[string]string)}
}

// Create inserts a new Parser Definition at version 1, compiling and
// sample-validating it first; the version is rejected (no row written) if
// validation fails.
func (r *Registry) Create(ctx context.Context, def models.ParserDefinition) (models.ParserDefinition, error) {
	def.Version = 1
	def.UpdatedAt = time.Now().UTC()

	p, err := Compile(def)
	if err != nil {
		return models.ParserDefinition{}, err
	}

	if err := r.store.Exec(ctx, `
		INSERT INTO parsers (parser_id, name, version, kind, body, samples, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, def.ParserID, def.Name, def.Version, def.Kind, def.Body, def.Samples, def.Enabled, def.UpdatedAt); err != nil {
		return models.ParserDefinition{}, apperr.Wrap(apperr.KindInternal, "creating parser definition", err)
	}

	if def.Enabled {
		r.bind(def.ParserID, p)
	}
	return def, nil
}

// Update creates a new version of an existing Parser Definition, leaving
// the old version's row intact (parsers are immutable per (parser_id,
// version)). If enabled, the new version atomically replaces the
// active binding; in-flight records keep using whichever Parser object the
// pipeline already read.
func (r *Registry) Update(ctx context.Context, def models.ParserDefinition, newVersion int) (models.ParserDefinition, error) {
	def.Version = newVersion
	def.UpdatedAt = time.Now().UTC()

	p, err := Compile(def)
	if err != nil {
		return models.ParserDefinition{}, err
	}

	if err := r.store.Exec(ctx, `
		INSERT INTO parsers (parser_id, name, version, kind, body, samples, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, def.ParserID, def.Name, def.Version, def.Kind, def.Body, def.Samples, def.Enabled, def.UpdatedAt); err != nil {
		return models.ParserDefinition{}, apperr.Wrap(apperr.KindInternal, "creating parser definition version", err)
	}

	if def.Enabled {
		r.bind(def.ParserID, p)
	}
	return def, nil
}

func (r *Registry) bind(parserID string, p Parser) {
	r.mu.Lock()
	r.compiled[parserID] = p
	r.mu.Unlock()
}

// Active returns the compiled Parser currently bound to parserID, or false
// if none is bound. The returned Parser is safe to keep using across a
// later swap: this call's result is the version read "at the start of the
// record".
func (r *Registry) Active(parserID string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.compiled[parserID]
	return p, ok
}

// ActiveForSource resolves the Parser bound to sourceID via the
// log_sources_admin source_id -> parser_id binding, refreshing that binding
// cache first if it is stale. It reports false if the source has no parser
// bound, or the bound parser has no compiled version loaded.
func (r *Registry) ActiveForSource(ctx context.Context, sourceID string) (Parser, bool) {
	r.bindMu.RLock()
	stale := time.Since(r.sourceLoadedAt) > sourceBindingTTL
	parserID, ok := r.sourceParsers[sourceID]
	r.bindMu.RUnlock()

	if stale {
		if err := r.refreshSourceBindings(ctx); err == nil {
			r.bindMu.RLock()
			parserID, ok = r.sourceParsers[sourceID]
			r.bindMu.RUnlock()
		}
	}
	if !ok {
		return nil, false
	}
	return r.Active(parserID)
}

// refreshSourceBindings reloads the source_id -> parser_id map from
// log_sources_admin for every enabled source with a parser bound.
func (r *Registry) refreshSourceBindings(ctx context.Context) error {
	rows, err := r.store.Execute(ctx, `
		SELECT source_id, parser_id::text FROM log_sources_admin
		WHERE enabled = TRUE AND parser_id IS NOT NULL
	`)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "loading source parser bindings", err)
	}
	defer rows.Close()

	next := make(map[string]string)
	for rows.Next() {
		var sourceID, parserID string
		if err := rows.Scan(&sourceID, &parserID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scanning source parser binding row", err)
		}
		next[sourceID] = parserID
	}
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "iterating source parser bindings", err)
	}

	r.bindMu.Lock()
	r.sourceParsers = next
	r.sourceLoadedAt = time.Now()
	r.bindMu.Unlock()
	return nil
}

// LoadActive recompiles and binds every enabled parser's latest version
// from the Store; called at startup to warm the cache.
func (r *Registry) LoadActive(ctx context.Context) error {
	rows, err := r.store.Execute(ctx, `
		SELECT DISTINCT ON (parser_id) parser_id, name, version, kind, body, samples, enabled, updated_at
		FROM parsers
		WHERE enabled = TRUE
		ORDER BY parser_id, version DESC
	`)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "loading active parsers", err)
	}
	defer rows.Close()

	for rows.Next() {
		var def models.ParserDefinition
		if err := rows.Scan(&def.ParserID, &def.Name, &def.Version, &def.Kind, &def.Body, &def.Samples, &def.Enabled, &def.UpdatedAt); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scanning parser definition row", err)
		}
		p, err := Compile(def)
		if err != nil {
			// A parser that compiled and validated fine at write time should
			// never fail to recompile; if it does, skip it rather than abort
			// the whole warm-up and leave every other binding unbound.
			continue
		}
		r.bind(def.ParserID, p)
	}
	return rows.Err()
}

// EvaluateSample compiles def and runs it against one ad hoc raw record,
// without persisting anything — the admin API's parser round-trip check uses
// this to preview a definition before it's saved.
func EvaluateSample(def models.ParserDefinition, raw []byte) (map[string]any, error) {
	p, err := Compile(models.ParserDefinition{Kind: def.Kind, Body: def.Body})
	if err != nil {
		return nil, err
	}
	return p.Parse(raw)
}
