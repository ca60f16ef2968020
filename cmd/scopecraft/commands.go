package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/scopecraft/config"
	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/pipeline"
	scopeapi "github.com/c360studio/scopecraft/processor/scope-api"
	scopemcp "github.com/c360studio/scopecraft/processor/scope-mcp"
	"github.com/c360studio/scopecraft/scope"
)

// withApp opens the App for the duration of fn.
func withApp(opts *globalOptions, cmd *cobra.Command, fn func(*App) error) error {
	app, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func serveCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				if addr != "" {
					app.cfg.Server.Addr = addr
				}
				app.WatchGuidance(cmd.Context())

				api := scopeapi.New(app.pipeline, app.store,
					scopeapi.WithLogger(app.logger),
					scopeapi.WithMetrics(app.metrics),
					scopeapi.WithRegistry(app.registry),
					scopeapi.WithCORSOrigins(app.cfg.Server.CORSOrigins),
				)
				return api.Serve(cmd.Context(), app.cfg.Server.Addr)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func mcpCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				app.WatchGuidance(cmd.Context())
				app.logger.Info("MCP server starting on stdio", "version", Version)
				return scopemcp.ServeStdio(scopemcp.New(app.pipeline, app.store, Version))
			})
		},
	}
}

// transcriptFlags selects where the meeting notes come from.
type transcriptFlags struct {
	name   string
	source string
	text   string
}

func (f *transcriptFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Project name (required)")
	cmd.Flags().StringVarP(&f.source, "transcript", "t", "", "Transcription file or URL")
	cmd.Flags().StringVar(&f.text, "text", "", "Transcription text")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("transcript", "text")
}

func (f *transcriptFlags) load(ctx context.Context, app *App) (string, error) {
	if f.source == "" {
		return f.text, nil
	}
	t, err := app.transcripts.Load(ctx, f.source)
	if err != nil {
		return "", err
	}
	app.logger.Debug("Loaded transcription", "source", t.Source, "format", t.Format, "title", t.Title)
	return t.Text, nil
}

func analyzeCmd(opts *globalOptions) *cobra.Command {
	var tf transcriptFlags

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a transcription and print the proposed questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				text, err := tf.load(cmd.Context(), app)
				if err != nil {
					return err
				}
				result, err := app.pipeline.Analyze(cmd.Context(), tf.name, text)
				if err != nil {
					return err
				}
				if !result.Parsed() {
					fmt.Fprintln(cmd.OutOrStdout(), result.Raw)
					return nil
				}
				return printJSON(cmd.OutOrStdout(), result.Analysis)
			})
		},
	}

	tf.register(cmd)
	return cmd
}

func generateCmd(opts *globalOptions) *cobra.Command {
	var (
		tf          transcriptFlags
		modelName   string
		noQuestions bool
		maxRounds   int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate and store a scope document",
		Long: `Generate runs the full pipeline: analysis, clarifying questions and
document generation. Questions are asked on the terminal; an empty answer
skips the question. Use --no-questions to generate straight from the
transcription.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				text, err := tf.load(cmd.Context(), app)
				if err != nil {
					return err
				}
				g := &generation{
					pipeline:  app.pipeline,
					session:   pipeline.NewSession(),
					in:        bufio.NewReader(cmd.InOrStdin()),
					prompt:    cmd.ErrOrStderr(),
					maxRounds: maxRounds,
					ask:       !noQuestions,
				}
				doc, err := g.run(cmd.Context(), tf.name, text, modelName)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Created %s\n", doc.ID)
				fmt.Fprintln(cmd.OutOrStdout(), doc.Scope)
				return nil
			})
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVarP(&modelName, "model", "m", "", "Model for document generation (overrides model.default)")
	cmd.Flags().BoolVar(&noQuestions, "no-questions", false, "Skip clarifying questions")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 3, "Maximum follow-up rounds")
	return cmd
}

// generation drives one interactive session from analysis to a stored document.
type generation struct {
	pipeline  *pipeline.Pipeline
	session   *pipeline.Session
	in        *bufio.Reader
	prompt    io.Writer
	maxRounds int
	ask       bool
}

func (g *generation) run(ctx context.Context, name, transcription, modelName string) (*scope.Document, error) {
	p := g.pipeline.WithSession(g.session)
	info := scope.ProjectInfo{Transcription: transcription}

	analysis, err := p.Analyze(ctx, name, transcription)
	if err != nil {
		return nil, err
	}
	info.ApplyAnalysis(analysis.Analysis)
	if analysis.Parsed() {
		fmt.Fprintf(g.prompt, "Project type: %s\n", analysis.Analysis.ProjectType)
	}

	if !g.ask {
		if err := g.session.Advance(pipeline.StateReadyToGenerate); err != nil {
			return nil, err
		}
		return p.Generate(ctx, name, info, modelName)
	}

	if err := g.askAll(&info, info.InitialQuestions); err != nil {
		return nil, err
	}

	for round := 1; ; round++ {
		if round > g.maxRounds {
			if err := g.session.Advance(pipeline.StateReadyToGenerate); err != nil {
				return nil, err
			}
			break
		}
		res, err := p.FollowUp(ctx, name, info)
		if err != nil {
			return nil, err
		}
		if res.Status != pipeline.QuestionsPending {
			if res.Status == pipeline.FollowUpFailed {
				fmt.Fprintf(g.prompt, "Follow-up questions unavailable: %s\n", res.Reason)
				if err := g.session.Advance(pipeline.StateReadyToGenerate); err != nil {
					return nil, err
				}
			}
			break
		}
		if err := g.askAll(&info, res.Questions); err != nil {
			return nil, err
		}
	}

	return p.Generate(ctx, name, info, modelName)
}

func (g *generation) askAll(info *scope.ProjectInfo, questions []scope.Question) error {
	for _, q := range questions {
		if q.WhyNeeded != "" {
			fmt.Fprintf(g.prompt, "\n%s\n  (%s)\n> ", q.Question, q.WhyNeeded)
		} else {
			fmt.Fprintf(g.prompt, "\n%s\n> ", q.Question)
		}
		line, err := g.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read answer: %w", err)
		}
		if answer := strings.TrimSpace(line); answer != "" {
			info.Answer(q.Question, answer)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
	return nil
}

func listCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored scope documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				result, err := app.store.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(result.Scopes) == 0 {
					fmt.Fprintln(out, "No scope documents stored yet.")
				} else {
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tPROJECT\tCREATED\tVERSIONS")
					for _, s := range result.Scopes {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.ProjectName, s.DateCreated.Format(time.DateTime), s.Versions)
					}
					if err := w.Flush(); err != nil {
						return err
					}
				}
				for _, e := range result.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", e.FileName, e.Error)
				}
				return nil
			})
		},
	}
}

func showCmd(opts *globalOptions) *cobra.Command {
	var (
		numbered bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a scope document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				doc, err := app.store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				switch {
				case asJSON:
					return printJSON(cmd.OutOrStdout(), doc)
				case numbered:
					fmt.Fprintln(cmd.OutOrStdout(), edit.NumberLines(doc.Scope))
				default:
					fmt.Fprintln(cmd.OutOrStdout(), doc.Scope)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&numbered, "numbered", false, "Prefix each line with its number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full document as JSON")
	return cmd
}

func historyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List the saved versions of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				snaps, err := app.store.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(snaps) == 0 {
					fmt.Fprintln(out, "No saved versions.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIMESTAMP\tPROJECT\tNOTE")
				for _, s := range snaps {
					note := ""
					if s.IsRestorePoint {
						note = "restore point"
						if s.RestoredFrom != nil {
							note += " (before restoring " + s.RestoredFrom.Format(time.RFC3339Nano) + ")"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Timestamp.Format(time.RFC3339Nano), s.ProjectName, note)
				}
				return w.Flush()
			})
		},
	}
}

func restoreCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id> <timestamp>",
		Short: "Restore a saved version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := time.Parse(time.RFC3339Nano, args[1])
			if err != nil {
				return fmt.Errorf("invalid timestamp %q: %w", args[1], err)
			}
			return withApp(opts, cmd, func(app *App) error {
				doc, err := app.store.Restore(cmd.Context(), args[0], ts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s (%d versions)\n",
					doc.ID, ts.Format(time.RFC3339Nano), len(doc.VersionHistory))
				return nil
			})
		},
	}
}

func diffCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id> <timestamp>",
		Short: "Show changes between a saved version and the current scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := time.Parse(time.RFC3339Nano, args[1])
			if err != nil {
				return fmt.Errorf("invalid timestamp %q: %w", args[1], err)
			}
			return withApp(opts, cmd, func(app *App) error {
				d, err := app.store.Diff(cmd.Context(), args[0], ts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "+%d -%d lines\n", d.Added, d.Removed)
				fmt.Fprint(cmd.OutOrStdout(), d.Patch)
				return nil
			})
		},
	}
}

func callsCmd(opts *globalOptions) *cobra.Command {
	var (
		phase string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Show recent LLM calls from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(app *App) error {
				if app.journal == nil {
					return errors.New("journal is disabled: set journal.path in the config")
				}
				entries, err := app.journal.Recent(cmd.Context(), limit, phase)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "STARTED\tPHASE\tMODEL\tATTEMPTS\tDURATION\tTOKENS\tERROR")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
						e.StartedAt.Format(time.DateTime), e.Phase, e.Model, e.Attempts,
						e.Duration.Round(time.Millisecond), e.TotalTokens, e.Error)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "Only show calls for this phase")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of calls")
	return cmd
}

func configCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write a default user config if none exists",
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.NewLoader(nil).EnsureUserConfig()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.loadConfig(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), cfg)
			},
		},
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML writes v as YAML. The API key is tagged out of the config type.
func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
