// Package scenario loads and runs scripted simulations: one environment, a
// set of funded agents, an optional ERC20 token and an ordered list of
// transfers, captured by an event logger.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/evmsim/pkg/types"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "evmsim://scenario.schema.json"

var (
	ErrSchema  = errors.New("scenario does not match schema")
	ErrInvalid = errors.New("invalid scenario")
)

var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}

// Scenario is a parsed scenario file.
type Scenario struct {
	Environment Environment `yaml:"environment"`
	Agents      []Agent     `yaml:"agents"`
	Token       Token       `yaml:"token"`
	Transfers   []Transfer  `yaml:"transfers"`
	// SubmitRate caps transfer submissions per second. Zero submits at once.
	SubmitRate  float64     `yaml:"submit_rate"`
	Output      Output      `yaml:"output"`
}

type Environment struct {
	Label     string  `yaml:"label"`
	BlockRate float64 `yaml:"block_rate"`
	Seed      uint64  `yaml:"seed"`
}

// Parameters converts the environment section.
func (e Environment) Parameters() types.EnvironmentParameters {
	return types.EnvironmentParameters{BlockRate: e.BlockRate, Seed: e.Seed}
}

// Agent is a user funded with Balance wei before any transfer runs.
type Agent struct {
	Name    string `yaml:"name"`
	Balance Amount `yaml:"balance"`
}

type Token struct {
	Deploy bool `yaml:"deploy"`
}

// Transfer moves Amount from an agent to an agent name or a hex address.
// With a token deployed it is a token transfer, otherwise a native one.
type Transfer struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Amount Amount `yaml:"amount"`
}

// Amount is a decimal wei quantity. YAML integers and strings both decode
// into it so values beyond 64 bits can be written either way.
type Amount string

func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", n.Line)
	}
	*a = Amount(n.Value)
	return nil
}

// Int parses the amount. The empty amount is zero.
func (a Amount) Int() (*big.Int, error) {
	if a == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(string(a), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative integer: %q", string(a))
	}
	return n, nil
}

type Output struct {
	Dir      string         `yaml:"dir"`
	Basename string         `yaml:"basename"`
	Formats  []string       `yaml:"formats"`
	Metadata map[string]any `yaml:"metadata"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes YAML, checks it against the embedded schema and then
// validates cross references.
func Parse(raw []byte) (*Scenario, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// validateSchema round-trips doc through JSON so the validator sees the
// same value shapes encoding/json would produce.
func validateSchema(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// Validate checks what the schema cannot: unique agent names, known
// transfer endpoints and parseable amounts.
func (s *Scenario) Validate() error {
	names := make(map[string]bool, len(s.Agents))
	for _, a := range s.Agents {
		if names[a.Name] {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalid, a.Name)
		}
		names[a.Name] = true
		if _, err := a.Balance.Int(); err != nil {
			return fmt.Errorf("%w: agent %q balance: %v", ErrInvalid, a.Name, err)
		}
	}
	for i, t := range s.Transfers {
		if !names[t.From] {
			return fmt.Errorf("%w: transfer %d: unknown sender %q", ErrInvalid, i, t.From)
		}
		if !names[t.To] && !common.IsHexAddress(t.To) {
			return fmt.Errorf("%w: transfer %d: unknown recipient %q", ErrInvalid, i, t.To)
		}
		if t.Amount == "" {
			return fmt.Errorf("%w: transfer %d: missing amount", ErrInvalid, i)
		}
		if _, err := t.Amount.Int(); err != nil {
			return fmt.Errorf("%w: transfer %d amount: %v", ErrInvalid, i, err)
		}
	}
	for _, f := range s.Output.Formats {
		if !types.FileType(f).Valid() {
			return fmt.Errorf("%w: unknown output format %q", ErrInvalid, f)
		}
	}
	return nil
}
