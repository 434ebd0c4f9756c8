package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Permission strings checked against a caller's grant set.
const (
	PermArtifactsSearch = "artifacts:search"
	PermKPIRead         = "kpis:read"
	PermReportExport    = "reports:export"
	PermCodeRun         = "code:run"
)

// Options configures built-in tool registration.
type Options struct {
	// SandboxImage is the container image for code-execution tools.
	SandboxImage string

	// KPISource resolves company metrics; nil uses a static snapshot.
	KPISource KPISource

	// ArtifactSearcher resolves artifact search; nil returns empty results.
	ArtifactSearcher ArtifactSearcher
}

// KPISource provides company metrics by period and unit.
type KPISource func(ctx context.Context, period, unit string) (map[string]interface{}, error)

// ArtifactSearcher finds artifacts matching a query.
type ArtifactSearcher func(ctx context.Context, query string, limit int) ([]map[string]interface{}, error)

// RegisterBuiltins registers the baseline tool catalog.
func RegisterBuiltins(registry *Registry, opts Options) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if opts.SandboxImage == "" {
		opts.SandboxImage = "python:3.12-alpine"
	}
	if opts.KPISource == nil {
		opts.KPISource = staticKPIs
	}

	descriptors := []*Descriptor{
		kpiTool(opts),
		searchArtifactsTool(opts),
		exportReportTool(opts),
		runPythonTool(opts),
	}

	for _, desc := range descriptors {
		if err := registry.Register(desc); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", desc.Name, err)
		}
	}
	return nil
}

func kpiTool(opts Options) *Descriptor {
	return &Descriptor{
		Name:        "get_company_kpis",
		DisplayName: "Company KPIs",
		Description: "Fetch company key performance indicators for a reporting period.",
		Category:    "analytics",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"period": {"type": "string", "enum": ["MTD", "QTD", "YTD"]},
				"unit": {"type": "string", "enum": ["company", "team"]}
			},
			"required": ["period", "unit"],
			"additionalProperties": false
		}`),
		RequiredPermissions: []string{PermKPIRead},
		Concurrent:          true,
		DefaultTimeout:      10 * time.Second,
		MaxTimeout:          30 * time.Second,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			period, _ := params["period"].(string)
			unit, _ := params["unit"].(string)
			metrics, err := opts.KPISource(ctx, period, unit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"period":  period,
				"unit":    unit,
				"metrics": metrics,
			}, nil
		},
	}
}

func searchArtifactsTool(opts Options) *Descriptor {
	return &Descriptor{
		Name:        "search_artifacts",
		DisplayName: "Search Artifacts",
		Description: "Search previously produced artifacts by keyword.",
		Category:    "artifacts",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		RequiredPermissions: []string{PermArtifactsSearch},
		Concurrent:          true,
		DefaultTimeout:      10 * time.Second,
		MaxTimeout:          30 * time.Second,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			limit := 10
			if v, ok := params["limit"].(float64); ok {
				limit = int(v)
			}
			if opts.ArtifactSearcher == nil {
				return map[string]interface{}{"artifacts": []interface{}{}, "query": query}, nil
			}
			results, err := opts.ArtifactSearcher(ctx, query, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"artifacts": results, "query": query}, nil
		},
	}
}

func exportReportTool(opts Options) *Descriptor {
	return &Descriptor{
		Name:        "export_report",
		DisplayName: "Export Report",
		Description: "Export a report snapshot in the requested format.",
		Category:    "reports",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"report": {"type": "string", "minLength": 1},
				"format": {"type": "string", "enum": ["csv", "pdf", "xlsx"]}
			},
			"required": ["report", "format"],
			"additionalProperties": false
		}`),
		RequiredPermissions:  []string{PermReportExport},
		RequiresConfirmation: true,
		DefaultTimeout:       30 * time.Second,
		MaxTimeout:           2 * time.Minute,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			report, _ := params["report"].(string)
			format, _ := params["format"].(string)
			name := fmt.Sprintf("%s-%d.%s", strings.ReplaceAll(report, " ", "-"), time.Now().Unix(), format)
			return map[string]interface{}{
				"report":   report,
				"format":   format,
				"artifact": name,
			}, nil
		},
	}
}

func runPythonTool(opts Options) *Descriptor {
	return &Descriptor{
		Name:        "run_python",
		DisplayName: "Run Python",
		Description: "Execute Python code in an isolated, resource-limited sandbox. No state carries between runs.",
		Category:    "code",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"code": {"type": "string", "minLength": 1},
				"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 120}
			},
			"required": ["code"],
			"additionalProperties": false
		}`),
		RequiredPermissions: []string{PermCodeRun},
		DefaultTimeout:      30 * time.Second,
		MaxTimeout:          2 * time.Minute,
		DefaultMemMB:        512,
		MaxMemMB:            1024,
		Sandbox: &SandboxBinding{
			Image:   opts.SandboxImage,
			Command: []string{"python3", "-c", pythonEntrypoint},
		},
	}
}

// pythonEntrypoint reads {"code": ...} from stdin and executes it with a
// fresh namespace, mirroring the sandbox runtime's stdin protocol.
const pythonEntrypoint = `import json,sys
req=json.load(sys.stdin)
exec(compile(req["code"],"<tool>","exec"),{"__name__":"__main__"})`

func staticKPIs(_ context.Context, period, unit string) (map[string]interface{}, error) {
	// Static snapshot used when no metrics backend is wired.
	return map[string]interface{}{
		"revenue_usd":     1250000,
		"active_users":    48210,
		"nps":             54,
		"churn_rate":      0.021,
		"reporting_scope": fmt.Sprintf("%s/%s", unit, period),
	}, nil
}
