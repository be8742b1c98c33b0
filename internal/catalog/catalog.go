// Package catalog holds the static registry of permissions known to the service.
//
// The catalog is loaded once at startup and is read-only afterwards, so a single
// *Catalog can be shared by every component without synchronization.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Codenames of the built-in permissions.
const (
	ProjectManage          = "project_manage"
	MemberManage           = "member_manage"
	DepartmentManage       = "department_manage"
	MemberDepartmentAssign = "member_department_assign"
	RoleManage             = "role_manage"
	MemberRoleAssign       = "member_role_assign"
	VotingManage           = "voting_manage"
	VotingCreate           = "voting_create"
	VotingVote             = "voting_vote"
	CommentManage          = "comment_manage"
	CommentCreate          = "comment_create"
	TaskManage             = "task_manage"
	TaskDepartmentManage   = "task_department_manage"
	TaskViewAll            = "task_view_all"
	TaskViewDepartment     = "task_view_department"
	TaskViewAssigned       = "task_view_assigned"
)

//go:embed permissions.yaml
var builtin []byte

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:[_-][a-z0-9]+)*$`)

type Permission struct {
	Codename    string `json:"codename"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

type definition struct {
	Name        string `yaml:"name" validate:"required,max=100"`
	Category    string `yaml:"category" validate:"required,max=100"`
	Description string `yaml:"description" validate:"max=1256"`
	Default     *bool  `yaml:"default" validate:"required"`
}

// ConfigError reports a catalog that cannot be loaded. The process must not start with it.
type ConfigError struct {
	Codename string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Codename == "" {
		return fmt.Sprintf("permission catalog: %v", e.Err)
	}
	return fmt.Sprintf("permission catalog: %s: %v", e.Codename, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Catalog struct {
	byCodename map[string]Permission
	ordered    []Permission
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(builtin))
}

func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	defer f.Close()

	return Load(f)
}

// Load parses a YAML mapping of codename to definition.
func Load(r io.Reader) (*Catalog, error) {
	var definitions map[string]definition
	if err := yaml.NewDecoder(r).Decode(&definitions); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("malformed definition source: %w", err)}
	}
	if len(definitions) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("no permissions defined")}
	}

	validate := validator.New()
	if err := validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, &ConfigError{Err: err}
	}

	c := &Catalog{
		byCodename: make(map[string]Permission, len(definitions)),
		ordered:    make([]Permission, 0, len(definitions)),
	}

	for codename, def := range definitions {
		if err := validate.Var(codename, "required,max=100,slug"); err != nil {
			return nil, &ConfigError{Codename: codename, Err: fmt.Errorf("invalid codename: %w", err)}
		}
		if err := validate.Struct(def); err != nil {
			return nil, &ConfigError{Codename: codename, Err: err}
		}

		p := Permission{
			Codename:    codename,
			Name:        def.Name,
			Category:    def.Category,
			Description: def.Description,
			Default:     *def.Default,
		}
		c.byCodename[codename] = p
		c.ordered = append(c.ordered, p)
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].Codename < c.ordered[j].Codename
	})

	return c, nil
}

func (c *Catalog) Get(codename string) (Permission, bool) {
	p, ok := c.byCodename[codename]
	return p, ok
}

func (c *Catalog) Contains(codename string) bool {
	_, ok := c.byCodename[codename]
	return ok
}

// All returns every permission ordered by codename.
func (c *Catalog) All() []Permission {
	return append([]Permission(nil), c.ordered...)
}

func (c *Catalog) Codenames() []string {
	names := make([]string, len(c.ordered))
	for i, p := range c.ordered {
		names[i] = p.Codename
	}
	return names
}

// Unknown returns the given codenames that are not in the catalog, sorted and deduplicated.
func (c *Catalog) Unknown(codenames []string) []string {
	seen := make(map[string]struct{})
	var unknown []string
	for _, codename := range codenames {
		if _, ok := c.byCodename[codename]; ok {
			continue
		}
		if _, ok := seen[codename]; ok {
			continue
		}
		seen[codename] = struct{}{}
		unknown = append(unknown, codename)
	}
	sort.Strings(unknown)
	return unknown
}

func (c *Catalog) Len() int {
	return len(c.ordered)
}
