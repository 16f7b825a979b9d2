package v1alpha1

import (
	"net/http"
	"sort"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/handlers/validator"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store/model"
)

// (POST /api/v1/rules)
func (h *ServiceHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var form v1alpha1.RuleCreate
	if err := decode(r, &form, false); err != nil {
		respondError(w, r, err)
		return
	}

	v := validator.NewValidator()
	v.Register(validator.NewRuleValidationRules()...)
	if err := v.Struct(form); err != nil {
		respondError(w, r, err)
		return
	}

	enabled := true
	if form.Enabled != nil {
		enabled = *form.Enabled
	}

	rule, err := h.ruleSrv.CreateRule(r.Context(), service.CreateRuleRequest{
		Name:        form.Name,
		Description: form.Description,
		Rego:        form.Rego,
		Enabled:     enabled,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, rule)
}

// (GET /api/v1/rules)
func (h *ServiceHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.ruleSrv.ListRules(r.Context(), r.URL.Query().Get("all") != "true")
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rules)
}

// (POST /api/v1/prompts)
func (h *ServiceHandler) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	var form v1alpha1.PromptCreate
	if err := decode(r, &form, false); err != nil {
		respondError(w, r, err)
		return
	}

	v := validator.NewValidator()
	v.Register(validator.NewRuleValidationRules()...)
	if err := v.Struct(form); err != nil {
		respondError(w, r, err)
		return
	}

	prompt, err := h.ruleSrv.CreatePrompt(r.Context(), form.Stage, form.Template)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, prompt)
}

// (GET /api/v1/prompts)
func (h *ServiceHandler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	latest, err := h.ruleSrv.LatestPrompts(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	prompts := make([]model.StagePrompt, 0, len(latest))
	for _, p := range latest {
		prompts = append(prompts, p)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Stage < prompts[j].Stage })
	respond(w, r, http.StatusOK, prompts)
}
