package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"agentfleet/internal/domain"
)

//go:embed catalog.schema.json
var catalogSchema []byte

// Catalog is the on-disk document listing agent types.
type Catalog struct {
	Version    int                          `yaml:"version"     json:"version"`
	AgentTypes []domain.AgentTypeDefinition `yaml:"agent_types" json:"agent_types"`
}

// CatalogSource says where the registered definitions came from.
type CatalogSource string

const (
	SourceFile    CatalogSource = "file"
	SourceBuiltin CatalogSource = "builtin"
)

// LoadResult reports the outcome of LoadCatalog. Fallback holds the error that
// caused the built-in catalog to be used instead of the file.
type LoadResult struct {
	Source   CatalogSource
	Path     string
	Count    int
	Fallback error
}

// LoadCatalog registers every type from the YAML catalog at path and builds the
// indexes. Any read, schema or definition error leaves the file unused: a
// warning is logged and the built-in catalog is registered instead. An empty
// path selects the built-in catalog directly.
func (r *Registry) LoadCatalog(path string) LoadResult {
	if path == "" {
		return r.loadBuiltin(nil)
	}
	defs, err := ReadCatalog(path)
	if err != nil {
		r.logger.Warn("agent catalog unusable, falling back to built-in types", "path", path, "error", err)
		res := r.loadBuiltin(err)
		res.Path = path
		return res
	}
	for _, def := range defs {
		// ReadCatalog already validated every definition.
		_ = r.Register(def)
	}
	r.BuildIndexes()
	r.logger.Info("agent catalog loaded", "path", path, "types", len(defs))
	return LoadResult{Source: SourceFile, Path: path, Count: len(defs)}
}

// LoadBuiltin registers the built-in catalog and builds the indexes.
func (r *Registry) LoadBuiltin() LoadResult {
	return r.loadBuiltin(nil)
}

func (r *Registry) loadBuiltin(cause error) LoadResult {
	defs := Builtin()
	for _, def := range defs {
		_ = r.Register(def)
	}
	r.BuildIndexes()
	res := LoadResult{Source: SourceBuiltin, Count: len(defs)}
	if cause != nil {
		res.Fallback = fmt.Errorf("%w: %w", domain.ErrCatalogLoad, cause)
	}
	return res
}

// ReadCatalog parses and validates a catalog file without registering it.
func ReadCatalog(path string) ([]domain.AgentTypeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog validates a YAML catalog document against the catalog schema
// and decodes its definitions.
func ParseCatalog(data []byte) ([]domain.AgentTypeDefinition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validateCatalog(raw); err != nil {
		return nil, err
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(cat.AgentTypes))
	for _, def := range cat.AgentTypes {
		if seen[def.ID] {
			return nil, fmt.Errorf("catalog: duplicate agent type %q", def.ID)
		}
		seen[def.ID] = true
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
	}
	return cat.AgentTypes, nil
}

// MarshalCatalog renders definitions as a catalog document.
func MarshalCatalog(defs []domain.AgentTypeDefinition) ([]byte, error) {
	return yaml.Marshal(Catalog{Version: 1, AgentTypes: defs})
}

// validateCatalog checks a decoded YAML document against the embedded schema.
// The document goes through JSON first so numbers and maps have the shapes the
// validator expects.
func validateCatalog(doc any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog: not representable as JSON: %w", err)
	}
	var data any
	if err := json.Unmarshal(buf, &data); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	schema, err := jsonschema.NewCompiler().Compile(catalogSchema)
	if err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("catalog schema validation failed: %s", result.Error())
	}
	return nil
}

// Builtin returns the default agent types used when no catalog file is
// configured or the configured one cannot be loaded.
func Builtin() []domain.AgentTypeDefinition {
	model := func(name string, temp float64, tokens int) domain.ModelParams {
		return domain.ModelParams{Name: name, Temperature: temp, MaxTokens: tokens}
	}
	return []domain.AgentTypeDefinition{
		{
			ID:              "backend-developer",
			Name:            "Backend Developer",
			Category:        "development",
			Description:     "Designs and debugs server-side services and APIs",
			Capabilities:    []string{"api-design", "debugging"},
			Specializations: []string{"rest", "microservices", "databases"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityHigh, AverageTaskTime: 45 * time.Minute,
				SuccessRate: 0.92, Model: model("large", 0.2, 8192),
			},
		},
		{
			ID:              "frontend-developer",
			Name:            "Frontend Developer",
			Category:        "development",
			Description:     "Builds user interfaces",
			Capabilities:    []string{"ui-implementation", "debugging", "accessibility"},
			Specializations: []string{"react", "css", "performance"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityMedium, AverageTaskTime: 35 * time.Minute,
				SuccessRate: 0.9, Model: model("large", 0.3, 8192),
			},
		},
		{
			ID:              "qa-engineer",
			Name:            "QA Engineer",
			Category:        "quality",
			Description:     "Writes and runs automated tests",
			Capabilities:    []string{"test-automation", "regression-testing", "debugging"},
			Specializations: []string{"integration-tests", "load-testing"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityMedium, AverageTaskTime: 30 * time.Minute,
				SuccessRate: 0.94, Model: model("medium", 0.1, 4096),
			},
		},
		{
			ID:              "devops-engineer",
			Name:            "DevOps Engineer",
			Category:        "operations",
			Description:     "Automates deployment and monitoring",
			Capabilities:    []string{"deployment", "monitoring", "infrastructure-as-code"},
			Specializations: []string{"kubernetes", "ci-cd"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityHigh, AverageTaskTime: 50 * time.Minute,
				SuccessRate: 0.88, Model: model("large", 0.2, 8192),
			},
		},
		{
			ID:              "security-auditor",
			Name:            "Security Auditor",
			Category:        "security",
			Description:     "Reviews code and systems for vulnerabilities",
			Capabilities:    []string{"security-audit", "threat-modeling", "code-review"},
			Specializations: []string{"owasp", "cryptography"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityExpert, AverageTaskTime: 60 * time.Minute,
				SuccessRate: 0.9, Model: model("large", 0.0, 16384),
			},
		},
		{
			ID:              "data-analyst",
			Name:            "Data Analyst",
			Category:        "data",
			Description:     "Analyzes datasets and builds reports",
			Capabilities:    []string{"data-analysis", "reporting", "sql"},
			Specializations: []string{"statistics", "visualization"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityMedium, AverageTaskTime: 40 * time.Minute,
				SuccessRate: 0.89, Model: model("medium", 0.2, 8192),
			},
		},
		{
			ID:              "technical-writer",
			Name:            "Technical Writer",
			Category:        "documentation",
			Description:     "Produces reference and user documentation",
			Capabilities:    []string{"documentation", "api-documentation", "editing"},
			Specializations: []string{"tutorials", "reference"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityLow, AverageTaskTime: 25 * time.Minute,
				SuccessRate: 0.95, Model: model("medium", 0.5, 8192),
			},
		},
		{
			ID:              "product-manager",
			Name:            "Product Manager",
			Category:        "product",
			Description:     "Turns goals into prioritized requirements",
			Capabilities:    []string{"requirements-analysis", "roadmapping", "prioritization"},
			Specializations: []string{"user-research"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityMedium, AverageTaskTime: 30 * time.Minute,
				SuccessRate: 0.87, Model: model("large", 0.6, 8192),
			},
		},
		{
			ID:              "ui-designer",
			Name:            "UI Designer",
			Category:        "design",
			Description:     "Designs interfaces and prototypes",
			Capabilities:    []string{"ui-design", "prototyping", "accessibility"},
			Specializations: []string{"design-systems"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityMedium, AverageTaskTime: 40 * time.Minute,
				SuccessRate: 0.9, Model: model("medium", 0.7, 4096),
			},
		},
		{
			ID:              "seo-specialist",
			Name:            "SEO Specialist",
			Category:        "marketing",
			Description:     "Improves search ranking of content",
			Capabilities:    []string{"seo-optimization", "keyword-research", "content-strategy"},
			Specializations: []string{"technical-seo"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityLow, AverageTaskTime: 20 * time.Minute,
				SuccessRate: 0.86, Model: model("small", 0.7, 4096),
			},
		},
		{
			ID:              "marketing-strategist",
			Name:            "Marketing Strategist",
			Category:        "marketing",
			Description:     "Plans campaigns and messaging",
			Capabilities:    []string{"campaign-planning", "content-strategy", "market-research"},
			Specializations: []string{"branding", "social-media"},
			Metadata: domain.AgentMetadata{
				Complexity: domain.ComplexityMedium, AverageTaskTime: 35 * time.Minute,
				SuccessRate: 0.85, Model: model("medium", 0.8, 4096),
			},
		},
	}
}
