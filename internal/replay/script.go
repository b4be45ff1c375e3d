// Package replay drives a session from a YAML script of grid edits.
//
// Sheets are addressed by path: "accounts", "actuals" and "fringes" are the
// budget's root sheets, and "accounts/2" is the subaccount sheet of the
// account on row 2 of the accounts sheet. Paths nest: "accounts/2/1" lists
// the subaccounts of row 1 of "accounts/2". Rows are 1-based grid positions.
//
// A value starting with "@" is a row reference ("@accounts/2:1") that
// resolves to the backend id of that row, for fields such as an actual's
// subaccount.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seeds for the memory backend.
const (
	SeedDemo  = "demo"
	SeedEmpty = "empty"
)

// Script is a parsed replay file.
type Script struct {
	Seed  string   `yaml:"seed,omitempty"`
	Steps []Step   `yaml:"steps"`
	Print []string `yaml:"print,omitempty"`

	// dir is the directory relative import files are read from.
	dir string
}

// Step is one action. Exactly one action field is set; Sheet names the sheet
// the action applies to and is required for everything but open and close.
type Step struct {
	Sheet string `yaml:"sheet,omitempty"`

	Open        string     `yaml:"open,omitempty"`
	Close       string     `yaml:"close,omitempty"`
	Request     *Request   `yaml:"request,omitempty"`
	Set         []Cell     `yaml:"set,omitempty"`
	Add         int        `yaml:"add,omitempty"`
	Remove      []int      `yaml:"remove,omitempty"`
	Select      []int      `yaml:"select,omitempty"`
	Deselect    []int      `yaml:"deselect,omitempty"`
	Group       *GroupStep `yaml:"group,omitempty"`
	RenameGroup *GroupStep `yaml:"rename_group,omitempty"`
	DeleteGroup int        `yaml:"delete_group,omitempty"`
	Move        *Move      `yaml:"move,omitempty"`
	Import      *Import    `yaml:"import,omitempty"`
}

// Request reloads a sheet, optionally filtered.
type Request struct {
	Search string `yaml:"search,omitempty"`
}

// Cell is one field edit.
type Cell struct {
	Row   int    `yaml:"row"`
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// GroupStep creates a group from rows, or renames group Index.
type GroupStep struct {
	Index int    `yaml:"index,omitempty"`
	Name  string `yaml:"name,omitempty"`
	Color string `yaml:"color,omitempty"`
	Rows  []int  `yaml:"rows,omitempty"`
}

// Move puts a row into the group at Group (1-based), or out of its group
// when Group is 0.
type Move struct {
	Row   int `yaml:"row"`
	Group int `yaml:"group"`
}

// Import appends the money-out lines of a bank export to an actuals sheet,
// charged to SubAccount (an id or a row reference).
type Import struct {
	File       string `yaml:"file"`
	Format     string `yaml:"format"`
	SubAccount string `yaml:"subaccount"`
}

// Load reads and parses a script file. Import files are resolved relative
// to the script.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// Parse decodes and validates a script. Unknown keys are rejected.
func Parse(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	if s.Seed == "" {
		s.Seed = SeedDemo
	}
	if s.Seed != SeedDemo && s.Seed != SeedEmpty {
		return nil, fmt.Errorf("parsing script: unknown seed %q", s.Seed)
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	for _, p := range s.Print {
		if _, err := ParsePath(p); err != nil {
			return nil, fmt.Errorf("print: %w", err)
		}
	}
	return &s, nil
}

func (st Step) actions() int {
	n := 0
	for _, set := range []bool{
		st.Open != "", st.Close != "", st.Request != nil, len(st.Set) > 0, st.Add > 0,
		len(st.Remove) > 0, len(st.Select) > 0, len(st.Deselect) > 0, st.Group != nil,
		st.RenameGroup != nil, st.DeleteGroup > 0, st.Move != nil, st.Import != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (st Step) validate() error {
	if n := st.actions(); n != 1 {
		return fmt.Errorf("expected exactly one action, got %d", n)
	}
	for _, p := range []string{st.Open, st.Close} {
		if p == "" {
			continue
		}
		path, err := ParsePath(p)
		if err != nil {
			return err
		}
		if len(path.Rows) == 0 {
			return fmt.Errorf("%q is a root sheet and is always open", p)
		}
		return nil
	}
	if st.Sheet == "" {
		return errors.New("sheet is required")
	}
	p, err := ParsePath(st.Sheet)
	if err != nil {
		return err
	}
	if in := st.Import; in != nil {
		if p.Root != "actuals" {
			return fmt.Errorf("import: only the actuals sheet can be imported into, not %q", st.Sheet)
		}
		if in.File == "" || in.Format == "" || in.SubAccount == "" {
			return errors.New("import: file, format and subaccount are required")
		}
	}
	return nil
}

// Path addresses a sheet: a root name and the rows leading to it.
type Path struct {
	Root string
	Rows []int
}

// Roots are the sheet names a path can start with.
var Roots = []string{"accounts", "actuals", "fringes"}

// ParsePath parses "accounts/2/1".
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	p := Path{Root: parts[0]}
	switch p.Root {
	case "accounts":
	case "actuals", "fringes":
		if len(parts) > 1 {
			return Path{}, fmt.Errorf("sheet %q: %s rows have no detail sheet", s, p.Root)
		}
	default:
		return Path{}, fmt.Errorf("sheet %q: unknown root %q (want one of %s)", s, p.Root, strings.Join(Roots, ", "))
	}
	for _, part := range parts[1:] {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return Path{}, fmt.Errorf("sheet %q: invalid row %q", s, part)
		}
		p.Rows = append(p.Rows, n)
	}
	return p, nil
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString(p.Root)
	for _, r := range p.Rows {
		b.WriteString("/")
		b.WriteString(strconv.Itoa(r))
	}
	return b.String()
}

// parent returns the path of the sheet listing p's owner.
func (p Path) parent() Path {
	return Path{Root: p.Root, Rows: p.Rows[:len(p.Rows)-1]}
}
