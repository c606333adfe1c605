package email

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

// ErrUnknownTemplate is returned when no template is registered under an id.
var ErrUnknownTemplate = errors.New("unknown template")

const templateExt = ".tmpl"

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Templates is a registry of subject/body templates keyed by id. Variables
// are referenced as {{.name}}; missing variables render empty.
type Templates struct {
	mu  sync.RWMutex
	set map[string]compiled
}

// NewTemplates returns an empty registry.
func NewTemplates() *Templates {
	return &Templates{set: make(map[string]compiled)}
}

// LoadTemplates registers every *.tmpl file in dir under its base name.
// A first line of the form "Subject: ..." becomes the subject template.
func LoadTemplates(dir string) (*Templates, error) {
	t := NewTemplates()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+templateExt))
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("templates: read %s: %w", filepath.Base(path), err)
		}
		subject, body := splitSubject(data)
		id := strings.TrimSuffix(filepath.Base(path), templateExt)
		if err := t.Add(id, subject, body); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add compiles and registers a template, replacing any previous one.
func (t *Templates) Add(id, subject, body string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("templates: empty id")
	}
	s, err := template.New(id + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("templates: parse %s subject: %w", id, err)
	}
	b, err := template.New(id + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("templates: parse %s body: %w", id, err)
	}

	t.mu.Lock()
	t.set[id] = compiled{subject: s, body: b}
	t.mu.Unlock()
	return nil
}

// Len returns the number of registered templates.
func (t *Templates) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}

// Render executes the template registered under id.
func (t *Templates) Render(id string, vars map[string]string) (subject, body string, err error) {
	if t == nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	t.mu.RLock()
	c, ok := t.set[id]
	t.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	if vars == nil {
		vars = map[string]string{}
	}

	var sb, bb bytes.Buffer
	if err := c.subject.Execute(&sb, vars); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", id, err)
	}
	if err := c.body.Execute(&bb, vars); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", id, err)
	}
	return strings.TrimSpace(sb.String()), bb.String(), nil
}

func splitSubject(data []byte) (subject, body string) {
	r := bufio.NewReader(bytes.NewReader(data))
	first, err := r.ReadString('\n')
	line := strings.TrimRight(first, "\r\n")
	if !strings.HasPrefix(strings.ToLower(line), "subject:") {
		return "", string(data)
	}
	if err != nil {
		return strings.TrimSpace(line[len("subject:"):]), ""
	}
	rest := string(data[len(first):])
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "\r\n"), "\n")
	return strings.TrimSpace(line[len("subject:"):]), rest
}
