// Package ctl implements batchopsctl, the admin command line for a running
// batchops server.
package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"gopkg.in/yaml.v3"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalOptions struct {
	addr   string
	apiKey string
	output string
	dial   fasthttp.DialFunc
}

// Execute runs the root command with os.Args. It is called by main.main().
func Execute() {
	if err := NewRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree writing results to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	return newRootCmd(out, &globalOptions{})
}

func newRootCmd(out io.Writer, opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "batchopsctl",
		Short: "Admin client for the batchops server",
		Long: `batchopsctl inspects and manages batch operations on a running
batchops server through its admin API.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.addr, "addr", envOr("BATCHOPS_CTL_ADDR", "http://127.0.0.1:8080"), "server base URL")
	pf.StringVar(&opts.apiKey, "api-key", os.Getenv("BATCHOPS_CTL_API_KEY"), "admin API key")
	pf.StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")

	root.AddCommand(
		newPartitionsCmd(opts),
		newOperationsCmd(opts),
		newIndexCmd(opts),
		newInspectCmd(opts),
	)
	return root
}

func newPartitionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List partitions and their log positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parts, err := opts.client().Partitions()
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), parts)
		},
	}
	for _, action := range []string{"pause", "resume"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <partition>",
			Short: capitalize(action) + " scheduled work on a partition",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parsePartition(args[0])
				if err != nil {
					return err
				}
				c := opts.client()
				if action == "pause" {
					err = c.PausePartition(id)
				} else {
					err = c.ResumePartition(id)
				}
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]interface{}{"id": id, "paused": action == "pause"})
			},
		})
	}
	return cmd
}

func newOperationsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ops",
		Aliases: []string{"batch-operations"},
		Short:   "Inspect and manage batch operations",
	}

	var after int64
	var limit int
	list := &cobra.Command{
		Use:   "list <partition>",
		Short: "List batch operations of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePartition(args[0])
			if err != nil {
				return err
			}
			page, err := opts.client().ListBatchOperations(id, after, limit)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), page)
		},
	}
	list.Flags().Int64Var(&after, "after", 0, "only keys greater than this")
	list.Flags().IntVar(&limit, "limit", 100, "page size")

	get := &cobra.Command{
		Use:   "get <partition> <key>",
		Short: "Show one batch operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, key, err := parseOperation(args)
			if err != nil {
				return err
			}
			op, err := opts.client().GetBatchOperation(id, key)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), op)
		},
	}

	chunks := &cobra.Command{
		Use:   "chunks <partition> <key>",
		Short: "Show the item chunks appended for a batch operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, key, err := parseOperation(args)
			if err != nil {
				return err
			}
			cs, err := opts.client().Chunks(id, key)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), cs)
		},
	}

	cmd.AddCommand(list, get, chunks, newCreateCmd(opts))
	for _, action := range []string{"suspend", "resume", "complete"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <partition> <key>",
			Short: capitalize(action) + " a batch operation",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, key, err := parseOperation(args)
				if err != nil {
					return err
				}
				op, err := opts.client().Lifecycle(id, key, action)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), op)
			},
		})
	}
	return cmd
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		opType string
		filter protocol.Filter
		keys   []int64
	)
	cmd := &cobra.Command{
		Use:   "create <partition>",
		Short: "Create a batch operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePartition(args[0])
			if err != nil {
				return err
			}
			t := protocol.BatchOperationType(strings.ToUpper(opType))
			if !t.Valid() {
				return errors.Newf("unknown batch operation type %q", opType)
			}
			filter.ProcessInstanceKeys = keys
			key, err := opts.client().CreateBatchOperation(id, t, filter)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]int64{"key": key})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opType, "type", "", "operation type, e.g. CANCEL_PROCESS_INSTANCE")
	f.StringVar(&filter.BpmnProcessID, "bpmn-process-id", "", "filter by BPMN process id")
	f.Int64Var(&filter.ProcessDefinitionKey, "process-definition-key", 0, "filter by process definition key")
	f.StringVar(&filter.State, "state", "", "filter by state")
	f.StringVar(&filter.TenantID, "tenant-id", "", "filter by tenant")
	f.Int64SliceVar(&keys, "keys", nil, "restrict to these process instance keys")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newIndexCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load entities into the shared search index",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "process-instances <file>",
			Short: "Index process instances from a JSON or YAML list (- for stdin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var pis []search.ProcessInstance
				if err := readEntities(args[0], cmd.InOrStdin(), &pis); err != nil {
					return err
				}
				n, err := opts.client().IndexProcessInstances(pis)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]int{"indexed": n})
			},
		},
		&cobra.Command{
			Use:   "incidents <file>",
			Short: "Index incidents from a JSON or YAML list (- for stdin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var incs []search.Incident
				if err := readEntities(args[0], cmd.InOrStdin(), &incs); err != nil {
					return err
				}
				n, err := opts.client().IndexIncidents(incs)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]int{"indexed": n})
			},
		},
	)
	return cmd
}

func newInspectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <db-path>",
		Short: "Summarise a stopped server's data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := inspectDB(args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), summaries)
		},
	}
}

func (o *globalOptions) client() *Client {
	c := NewClient(o.addr, o.apiKey)
	if o.dial != nil {
		c.http.Dial = o.dial
	}
	return c
}

func (o *globalOptions) print(w io.Writer, v interface{}) error {
	switch o.output {
	case "yaml":
		// round trip through json so the json field names are kept
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return errors.Newf("unknown output format %q", o.output)
	}
}

// readEntities decodes a JSON or YAML list from path into out.
func readEntities(path string, stdin io.Reader, out interface{}) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	b, err := json.Marshal(generic)
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

func parsePartition(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 {
		return 0, errors.Newf("invalid partition %q", s)
	}
	return id, nil
}

func parseOperation(args []string) (int, int64, error) {
	id, err := parsePartition(args[0])
	if err != nil {
		return 0, 0, err
	}
	key, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, errors.Newf("invalid batch operation key %q", args[1])
	}
	return id, key, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
