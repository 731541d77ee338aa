package cli

// OutputFormat is the status output format.
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
)

// OutputFlags provides -o.
type OutputFlags struct {
	Output OutputFormat `short:"o" help:"Output format: table or json." enum:"table,json" default:"table"`
}
