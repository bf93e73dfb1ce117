package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spine-run/spine/internal/app"
	"github.com/spine-run/spine/internal/command"
	"github.com/spine-run/spine/internal/spineerr"
)

// paramFlags collects repeated -p key=value pairs into a params map.
type paramFlags map[string]any

func (p paramFlags) String() string { return fmt.Sprintf("%v", map[string]any(p)) }

func (p paramFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	p[strings.TrimSpace(key)] = val
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func handlePipelines(ctx context.Context, env cliEnv, application *app.Application, args []string) error {
	if len(args) == 0 {
		return exitErr(1, errors.New("spine pipelines: expected a subcommand (list, describe)"))
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("spine pipelines list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		prefix := fs.String("prefix", "", "Only list pipelines whose name starts with this prefix")
		if err := fs.Parse(args[1:]); err != nil {
			return exitErr(1, err)
		}
		resp, err := application.Commands.ListPipelines.Execute(ctx, command.ListPipelinesRequest{Prefix: *prefix})
		if err != nil {
			return exitErr(1, err)
		}
		if env.jsonOutput {
			return printJSON(resp)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tINGEST")
		for _, p := range resp.Pipelines {
			fmt.Fprintf(w, "%s\t%v\n", p.Name, p.IsIngest)
		}
		return w.Flush()

	case "describe":
		if len(args) < 2 {
			return exitErr(1, errors.New("spine pipelines describe: expected a pipeline name"))
		}
		detail, err := application.Commands.DescribePipeline.Execute(ctx, command.DescribePipelineRequest{Name: args[1]})
		if err != nil {
			if errors.Is(err, spineerr.ErrPipelineUnknown) {
				return exitErr(2, err)
			}
			return exitErr(1, err)
		}
		if env.jsonOutput {
			return printJSON(detail)
		}
		fmt.Printf("Name:        %s\n", detail.Name)
		if detail.Description != "" {
			fmt.Printf("Description: %s\n", detail.Description)
		}
		fmt.Printf("Ingest:      %v\n", detail.IsIngest)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PARAM\tTYPE\tREQUIRED\tDESCRIPTION")
		for _, def := range detail.RequiredParams {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", def.Name, def.Type, def.Required, def.Description)
		}
		for _, def := range detail.OptionalParams {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", def.Name, def.Type, def.Required, def.Description)
		}
		return w.Flush()

	default:
		return exitErr(1, fmt.Errorf("unknown pipelines subcommand %q", args[0]))
	}
}

func handleRun(ctx context.Context, env cliEnv, application *app.Application, args []string) error {
	if len(args) == 0 {
		return exitErr(1, errors.New("spine run: expected a pipeline name"))
	}
	name := args[0]

	fs := flag.NewFlagSet("spine run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	params := paramFlags{}
	fs.Var(params, "p", "Pipeline parameter as key=value (repeatable)")
	dryRun := fs.Bool("dry-run", false, "Return without creating an execution (pipeline and params are not checked)")
	lane := fs.String("lane", "", "Routing lane (normal, backfill, realtime)")
	if err := fs.Parse(args[1:]); err != nil {
		return exitErr(3, err)
	}

	resp, err := application.Commands.RunPipeline.Execute(ctx, command.RunPipelineRequest{
		PipelineName:  name,
		Params:        params,
		Lane:          *lane,
		DryRun:        *dryRun,
		TriggerSource: "cli",
	})
	if err != nil {
		switch {
		case errors.Is(err, spineerr.ErrPipelineUnknown):
			return exitErr(2, err)
		case spineerr.KindOf(err) == spineerr.Validation || spineerr.KindOf(err) == spineerr.Config:
			return exitErr(3, err)
		default:
			return exitErr(1, err)
		}
	}
	if env.jsonOutput {
		if err := printJSON(resp); err != nil {
			return exitErr(1, err)
		}
	} else {
		fmt.Printf("execution %s  pipeline=%s  status=%s\n", resp.ID, resp.PipelineName, resp.Status)
		if resp.ErrorMessage != "" {
			fmt.Printf("error: [%s] %s\n", resp.ErrorKind, resp.ErrorMessage)
		}
	}
	if resp.Status == "failed" || resp.Status == "dlq" {
		return exitErr(1, fmt.Errorf("execution %s finished %s", resp.ID, resp.Status))
	}
	return nil
}

func handleDoctor(ctx context.Context, env cliEnv, application *app.Application) error {
	health, err := application.Commands.CheckHealth.Execute(ctx, command.CheckHealthRequest{})
	if err != nil {
		return exitErr(1, err)
	}
	caps, err := application.Commands.GetCapabilities.Execute(ctx, command.GetCapabilitiesRequest{})
	if err != nil {
		return exitErr(1, err)
	}
	if env.jsonOutput {
		if err := printJSON(map[string]any{"health": health, "capabilities": caps}); err != nil {
			return exitErr(1, err)
		}
	} else {
		fmt.Printf("live:         %v\n", health.Live)
		fmt.Printf("ready:        %v\n", health.Ready)
		fmt.Printf("db_connected: %v\n", health.DBConnected)
		if health.Message != "" {
			fmt.Printf("message:      %s\n", health.Message)
		}
		fmt.Printf("async=%v history=%v scheduling=%v auth=%v\n", caps.Async, caps.History, caps.Scheduling, caps.Auth)
	}
	if !health.Ready || !health.DBConnected {
		return exitErr(1, errors.New("degraded"))
	}
	return nil
}

func handleDLQ(ctx context.Context, env cliEnv, application *app.Application, args []string) error {
	if len(args) == 0 {
		return exitErr(1, errors.New("spine dlq: expected a subcommand (list, retry, resolve)"))
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("spine dlq list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		resolved := fs.Bool("resolved", false, "List resolved dead letters instead of open ones")
		limit := fs.Int("limit", 50, "Maximum rows to return")
		if err := fs.Parse(args[1:]); err != nil {
			return exitErr(1, err)
		}
		letters, err := application.DLQ.List(ctx, *resolved, *limit)
		if err != nil {
			return exitErr(1, err)
		}
		if env.jsonOutput {
			return printJSON(letters)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEXECUTION\tPIPELINE\tRETRIES\tKIND\tCREATED")
		for _, dl := range letters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				dl.ID, dl.ExecutionID, dl.PipelineName, dl.RetryCount, dl.ErrorKind, dl.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()

	case "retry":
		if len(args) < 2 {
			return exitErr(1, errors.New("spine dlq retry: expected a dead letter id"))
		}
		e, err := application.DLQ.Retry(ctx, args[1])
		if err != nil {
			if errors.Is(err, spineerr.ErrNotFound) {
				return exitErr(2, err)
			}
			return exitErr(1, err)
		}
		fmt.Printf("retry execution %s created (parent %s)\n", e.ID, e.ParentExecutionID)
		return nil

	case "resolve":
		if len(args) < 2 {
			return exitErr(1, errors.New("spine dlq resolve: expected a dead letter id"))
		}
		if err := application.DLQ.Resolve(ctx, args[1]); err != nil {
			if errors.Is(err, spineerr.ErrNotFound) {
				return exitErr(2, err)
			}
			return exitErr(1, err)
		}
		fmt.Printf("dead letter %s resolved\n", args[1])
		return nil

	default:
		return exitErr(1, fmt.Errorf("unknown dlq subcommand %q", args[0]))
	}
}
