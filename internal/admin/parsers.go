package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/parser"
)

type parserRequest struct {
	ParserID string `json:"parser_id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	Body string `json:"body"`
	Samples []string `json:"samples"`
	Enabled bool `json:"enabled"`
}

// handleCreateParser implements POST /parsers: creates a new version-1
// Parser Definition, compiled and validated against its samples before
// the row is written.
func (h *Handlers) handleCreateParser(w http.ResponseWriter, r *http.Request) {
	var req parserRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.Name == "" || req.Body == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "name and body are required"))
		return
	}

	def := models.ParserDefinition{
		ParserID: uuid.New().String(),
		Name: req.Name,
		Kind: models.ParserKind(req.Kind),
		Body: []byte(req.Body),
		Samples: req.Samples,
		Enabled: req.Enabled,
	}
	created, err := h.parsers.Create(r.Context(), def)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}
	h.audit(r, "", "create", "parser:"+created.ParserID, created)
	httpserver.Respond(w, http.StatusOK, created)
}

// handleUpdateParser implements PUT /parsers/{id}: a new immutable version
// of an existing Parser Definition.
func (h *Handlers) handleUpdateParser(w http.ResponseWriter, r *http.Request) {
	parserID := chi.URLParam(r, "id")

	var req parserRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	row := h.store.ExecuteRow(r.Context(), `
		SELECT MAX(version) FROM parsers WHERE parser_id = $1
	`, parserID)
	var latest *int
	if err := row.Scan(&latest); err != nil || latest == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.KindNotFound, "parser not found"))
		return
	}

	def := models.ParserDefinition{
		ParserID: parserID,
		Name: req.Name,
		Kind: models.ParserKind(req.Kind),
		Body: []byte(req.Body),
		Samples: req.Samples,
		Enabled: req.Enabled,
	}
	updated, err := h.parsers.Update(r.Context(), def, *latest+1)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}
	h.audit(r, "", "update", "parser:"+parserID, updated)
	httpserver.Respond(w, http.StatusOK, updated)
}

type evaluateSampleRequest struct {
	Kind string `json:"kind"`
	Body string `json:"body"`
	Sample string `json:"sample"`
}

type evaluateSampleResponse struct {
	Fields map[string]any `json:"fields"`
}

// handleEvaluateParserSample runs an ad hoc parser body against a single
// sample without persisting it.
func (h *Handlers) handleEvaluateParserSample(w http.ResponseWriter, r *http.Request) {
	var req evaluateSampleRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	fields, err := parser.EvaluateSample(models.ParserDefinition{
		Kind: models.ParserKind(req.Kind),
		Body: []byte(req.Body),
	}, []byte(req.Sample))
	if err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			httpserver.RespondAppError(w, ae)
			return
		}
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindValidation, "evaluating sample", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, evaluateSampleResponse{Fields: fields})
}
