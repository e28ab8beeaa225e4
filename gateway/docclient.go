package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/llm"
)

type actingUserKey struct{}

// withActingUser records the authenticated user in the request context so
// service-to-service calls made deeper in the stack stay user-scoped.
func withActingUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actingUserKey{}, userID)
}

func actingUser(ctx context.Context) string {
	userID, _ := ctx.Value(actingUserKey{}).(string)
	return userID
}

// DocClient reads documents and jobs from the document service. It backs
// the LLM operations (llm.DocumentSource) and the workflow endpoint.
type DocClient struct {
	proxy *Proxy
}

// NewDocClient wraps a document-service proxy.
func NewDocClient(proxy *Proxy) *DocClient {
	return &DocClient{proxy: proxy}
}

/// DocumentText implements llm.DocumentSource: the document's abstract and
// sections joined into one analysis corpus, canonical sections first.
func (d *DocClient) DocumentText(ctx context.Context, id uint) (string, string, error) {
	var doc db.Document
	err := d.proxy.Get(ctx, actingUser(ctx), fmt.Sprintf("/documents/%d", id), &doc)
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.Status == http.StatusNotFound {
			return "", "", fmt.Errorf("%w: %d", llm.ErrDocumentNotFound, id)
		}
		return "", "", err
	}

	title := doc.Title
	if title == "" {
		title = doc.Filename
	}

	var b strings.Builder
	if doc.Abstract != "" {
		b.WriteString("Abstract:\n")
		b.WriteString(doc.Abstract)
		b.WriteString("\n\n")
	}
	for _, name := range orderedSectionNames(doc.Sections) {
		fmt.Fprintf(&b, "%s:\n%s\n\n", titleCase(name), doc.Sections[name])
	}
	return title, strings.TrimSpace(b.String()), nil
}

// JobStatus fetches one job with its step log.
func (d *DocClient) JobStatus(ctx context.Context, userID, jobID string) (*db.Job, []*db.JobStep, error) {
	var out struct {
		Job   *db.Job       `json:"job"`
		Steps []*db.JobStep `json:"steps"`
	}
	if err := d.proxy.Get(ctx, userID, "/jobs/"+jobID, &out); err != nil {
		return nil, nil, err
	}
	return out.Job, out.Steps, nil
}

// canonicalOrder lists the standard paper sections in reading order; the
// rest follow alphabetically.
var canonicalOrder = []string{"abstract", "introduction", "methodology", "results", "conclusion", "references"}

func titleCase(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func orderedSectionNames(sections map[string]string) []string {
	seen := make(map[string]bool, len(sections))
	var names []string
	for _, name := range canonicalOrder {
		if _, ok := sections[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range sections {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
