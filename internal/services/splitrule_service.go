package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stagepass/treasury/internal/models"
)

// SplitRuleService owns the dashboard CRUD surface for split rules. Rules are
// mutated here by their owners and read-only everywhere else.
type SplitRuleService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewSplitRuleService(db *sql.DB) *SplitRuleService {
	return &SplitRuleService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// CreateSplitRule creates a split rule for a scope.
// @Summary Create split rule
// @Description Create a split rule; recipient percents must sum to at most 100
// @Tags split-rules
// @Accept json
// @Produce json
// @Param rule body models.SplitRule true "Split rule"
// @Success 201 {object} models.SplitRule
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /split-rules [post]
func (s *SplitRuleService) CreateSplitRule(w http.ResponseWriter, r *http.Request) {
	var rule models.SplitRule

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&rule); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&rule); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if rule.PercentTotal() > 100 {
		SendErrorResponse(w, "Recipient percents exceed 100", http.StatusBadRequest, nil)
		return
	}

	ownerID, _ := r.Context().Value("userID").(string)
	if rule.OwnerID == "" {
		rule.OwnerID = ownerID
	}
	rule.ID = uuid.New().String()

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to create rule", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO split_rules (id, owner_id, scope, scope_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		rule.ID, rule.OwnerID, rule.Scope, rule.ScopeReference, time.Now())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			SendErrorResponse(w, "A rule for this scope already exists", http.StatusConflict, nil)
			return
		}
		log.Printf("[SPLIT_RULE] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to create rule", http.StatusInternalServerError, nil)
		return
	}

	for i, rec := range rule.Recipients {
		rule.Recipients[i].Position = i
		if _, err := tx.ExecContext(r.Context(), `
			INSERT INTO split_rule_recipients (rule_id, recipient_id, percent, role, position)
			VALUES ($1, $2, $3, $4, $5)`,
			rule.ID, rec.RecipientID, rec.Percent, rec.Role, i); err != nil {
			log.Printf("[SPLIT_RULE] Recipient insert failed: %v", err)
			SendErrorResponse(w, "Failed to create rule", http.StatusInternalServerError, nil)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to create rule", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rule)
}

// ListSplitRules lists split rules for an owner.
// @Summary List split rules
// @Description List split rules, optionally filtered by owner
// @Tags split-rules
// @Produce json
// @Param ownerId query string false "Filter by owner"
// @Success 200 {object} object{rules=[]models.SplitRule,count=int}
// @Failure 500 {object} map[string]string
// @Router /split-rules [get]
func (s *SplitRuleService) ListSplitRules(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")

	query := `
		SELECT id, owner_id, scope, scope_reference, created_at, updated_at
		FROM split_rules`
	args := []interface{}{}
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		http.Error(w, "Failed to fetch rules", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	rules := []models.SplitRule{}
	for rows.Next() {
		var rule models.SplitRule
		if err := rows.Scan(&rule.ID, &rule.OwnerID, &rule.Scope, &rule.ScopeReference,
			&rule.CreatedAt, &rule.UpdatedAt); err != nil {
			http.Error(w, "Failed to fetch rules", http.StatusInternalServerError)
			return
		}
		rules = append(rules, rule)
	}

	for i := range rules {
		recipients, err := s.fetchRecipients(r, rules[i].ID)
		if err != nil {
			http.Error(w, "Failed to fetch rules", http.StatusInternalServerError)
			return
		}
		rules[i].Recipients = recipients
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// DeleteSplitRule removes a rule; its recipients cascade.
// @Summary Delete split rule
// @Description Delete a split rule by id
// @Tags split-rules
// @Param ruleId path string true "Rule ID"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /split-rules/{ruleId} [delete]
func (s *SplitRuleService) DeleteSplitRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM split_rules WHERE id = $1`, ruleID)
	if err != nil {
		http.Error(w, "Failed to delete rule", http.StatusInternalServerError)
		return
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *SplitRuleService) fetchRecipients(r *http.Request, ruleID string) ([]models.SplitRecipient, error) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT recipient_id, percent, role, position
		FROM split_rule_recipients
		WHERE rule_id = $1
		ORDER BY position`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.SplitRecipient{}
	for rows.Next() {
		var rec models.SplitRecipient
		if err := rows.Scan(&rec.RecipientID, &rec.Percent, &rec.Role, &rec.Position); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}
