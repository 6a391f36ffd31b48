package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct tag validation; exported for other boundary decoders.
func Validate(v any) error {
	return validate.Struct(v)
}

// RemoteRepository is the subset of a GitHub repository the sync reads.
type RemoteRepository struct {
	ID              int64      `json:"id" validate:"required,gt=0"`
	Name            string     `json:"name" validate:"required"`
	FullName        string     `json:"full_name" validate:"required,contains=/"`
	HTMLURL         string     `json:"html_url" validate:"required,url"`
	Description     *string    `json:"description"`
	Language        *string    `json:"language"`
	Topics          []string   `json:"topics"`
	StargazersCount int        `json:"stargazers_count" validate:"gte=0"`
	ForksCount      int        `json:"forks_count" validate:"gte=0"`
	OpenIssuesCount int        `json:"open_issues_count" validate:"gte=0"`
	Size            int        `json:"size" validate:"gte=0"`
	Private         bool       `json:"private"`
	Archived        bool       `json:"archived"`
	Disabled        bool       `json:"disabled"`
	PushedAt        *time.Time `json:"pushed_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" validate:"required"`
}

type RemoteLabel struct {
	Name string `json:"name"`
}

type RemoteUser struct {
	Login string `json:"login"`
}

// RemoteIssue is the subset of a GitHub issue the sync reads. The issues
// endpoint also returns pull requests; those carry PullRequest.
type RemoteIssue struct {
	ID          int64            `json:"id" validate:"required,gt=0"`
	Number      int              `json:"number" validate:"required,gt=0"`
	Title       string           `json:"title" validate:"required"`
	Body        *string          `json:"body"`
	State       string           `json:"state" validate:"required,oneof=open closed"`
	HTMLURL     string           `json:"html_url" validate:"required,url"`
	Labels      []RemoteLabel    `json:"labels"`
	Assignee    *RemoteUser      `json:"assignee"`
	PullRequest *json.RawMessage `json:"pull_request,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" validate:"required"`
	ClosedAt    *time.Time       `json:"closed_at"`
}

// DecodeRepository decodes and validates one repository item.
func DecodeRepository(raw []byte) (RemoteRepository, error) {
	var r RemoteRepository
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, &ValidationError{Key: peekKey(raw), Err: err}
	}
	if err := validate.Struct(r); err != nil {
		return r, &ValidationError{Key: itemKey(r.FullName, r.HTMLURL, raw), Err: describe(err)}
	}
	return r, nil
}

// DecodeIssue decodes and validates one issue item.
func DecodeIssue(raw []byte) (RemoteIssue, error) {
	var i RemoteIssue
	if err := json.Unmarshal(raw, &i); err != nil {
		return i, &ValidationError{Key: peekKey(raw), Err: err}
	}
	if err := validate.Struct(i); err != nil {
		return i, &ValidationError{Key: itemKey(i.HTMLURL, "", raw), Err: describe(err)}
	}
	return i, nil
}

func itemKey(primary, secondary string, raw []byte) string {
	if primary != "" {
		return primary
	}
	if secondary != "" {
		return secondary
	}
	return peekKey(raw)
}

// peekKey pulls an identifying field out of an item that failed to decode.
func peekKey(raw []byte) string {
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	for _, k := range []string{"html_url", "full_name", "name", "id"} {
		if v, ok := probe[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
