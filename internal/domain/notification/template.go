package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Built-in template ids.
const (
	TemplateClaimAssigned  = "claim-assigned"
	TemplateBatchCompleted = "batch-analysis-completed"
	TemplateFileUploaded   = "file-uploaded"
)

// Template is a reusable title/message pair with {{key}} placeholders.
type Template struct {
	ID        string
	Title     string
	Message   string
	ActionURL string
}

// TemplateEngine renders notification templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:        TemplateClaimAssigned,
			Title:     "New Claim Assigned",
			Message:   "Claim {{claim_number}} has been assigned to you",
			ActionURL: "/claims/{{claim_id}}",
		},
		{
			ID:      TemplateBatchCompleted,
			Title:   "Batch Analysis Complete",
			Message: "{{analyzed}} of {{requested}} claims were analyzed",
		},
		{
			ID:        TemplateFileUploaded,
			Title:     "File Uploaded",
			Message:   "{{filename}} is ready for processing",
			ActionURL: "/files/{{file_id}}",
		},
	} {
		e.Register(t)
	}
	return e
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render substitutes data into the template. Placeholders without a value
// are left as-is.
func (e *TemplateEngine) Render(id string, data map[string]string) (title, message, actionURL string, err error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", "", "", fmt.Errorf("notification template %q not found", id)
	}

	title, message, actionURL = t.Title, t.Message, t.ActionURL
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		message = strings.ReplaceAll(message, placeholder, v)
		actionURL = strings.ReplaceAll(actionURL, placeholder, v)
	}
	return title, message, actionURL, nil
}
