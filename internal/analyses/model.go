package analyses

import (
	"strings"
	"time"
)

// Encumbrance is a registry annotation (lien, charge) found by a completed analysis.
type Encumbrance struct {
	Type    string  `json:"tipo"`
	Detail  string  `json:"detalle"`
	InForce bool    `json:"vigente"`
	Date    *string `json:"fecha"`
}

// Analysis is the full server-side view of a registry lookup job.
type Analysis struct {
	ID           string `json:"id"`
	Office       string `json:"oficina"`
	Folio        string `json:"partida"`
	RegistryArea string `json:"area_registral"`
	Status       Status `json:"status"`

	TotalEntries  *int          `json:"total_asientos"`
	Report        *string       `json:"informe"`
	Encumbrances  []Encumbrance `json:"cargas_encontradas"`
	ArtifactRef   *string       `json:"pdf_storage_path"`
	ErrorMessage  *string       `json:"error_message"`
	ProgressLog   *string       `json:"progress_log,omitempty"`
	CostUSD       *float64      `json:"claude_cost_usd"`
	DurationSecs  *int          `json:"duration_seconds"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at"`
	RequestedBy   string        `json:"requested_by,omitempty"`
	LastUpdatedAt *time.Time    `json:"updated_at,omitempty"`
}

// Summary is the reduced projection returned by the list endpoint.
type Summary struct {
	ID               string     `json:"id"`
	Office           string     `json:"oficina"`
	Folio            string     `json:"partida"`
	Status           Status     `json:"status"`
	TotalEntries     *int       `json:"total_asientos"`
	EncumbranceCount int        `json:"cargas_count"`
	DurationSecs     *int       `json:"duration_seconds"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// Pagination describes one page of a list query.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

// Page is one page of analysis summaries.
type Page struct {
	Items      []Summary  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Created is the server acknowledgement of a new analysis request.
type Created struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Office    string    `json:"oficina"`
	Folio     string    `json:"partida"`
	CreatedAt time.Time `json:"created_at"`
}

// Summarize derives the list projection from a full entity.
func Summarize(a Analysis) Summary {
	return Summary{
		ID:               a.ID,
		Office:           a.Office,
		Folio:            a.Folio,
		Status:           a.Status,
		TotalEntries:     a.TotalEntries,
		EncumbranceCount: len(a.Encumbrances),
		DurationSecs:     a.DurationSecs,
		CreatedAt:        a.CreatedAt,
		CompletedAt:      a.CompletedAt,
	}
}

// HasArtifact reports whether a generated document can be downloaded.
func (a Analysis) HasArtifact() bool {
	return a.Status == StatusCompleted && a.ArtifactRef != nil && strings.TrimSpace(*a.ArtifactRef) != ""
}

// InForceCount returns how many encumbrances are currently in force.
func (a Analysis) InForceCount() int {
	n := 0
	for _, e := range a.Encumbrances {
		if e.InForce {
			n++
		}
	}
	return n
}

// Elapsed returns wall-clock time since creation, or the recorded duration once terminal.
func (a Analysis) Elapsed(now time.Time) time.Duration {
	if a.Status.IsTerminal() {
		if a.DurationSecs != nil {
			return time.Duration(*a.DurationSecs) * time.Second
		}
		if a.CompletedAt != nil {
			return a.CompletedAt.Sub(a.CreatedAt)
		}
	}
	if a.CreatedAt.IsZero() || now.Before(a.CreatedAt) {
		return 0
	}
	return now.Sub(a.CreatedAt).Truncate(time.Second)
}

// ProgressEvents splits the activity log into its non-empty lines.
// The log is only meaningful while the analysis is not terminal.
func (a Analysis) ProgressEvents() []string {
	if a.ProgressLog == nil || a.Status.IsTerminal() {
		return nil
	}
	lines := strings.Split(*a.ProgressLog, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
