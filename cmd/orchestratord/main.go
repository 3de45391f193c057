// Command orchestratord runs the workflow scheduler and offers one shot
// commands against the configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/config"
	"github.com/goliatone/go-orchestrator/registry"
	"github.com/goliatone/go-orchestrator/repository"
)

type CLI struct {
	Config        string   `short:"c" type:"path" env:"ORCHESTRATOR_CONFIG" help:"Configuration file (YAML or JSON)."`
	TemplateFiles []string `name:"template" type:"existingfile" env:"ORCHESTRATOR_TEMPLATES" help:"Extra template files to register."`
	Driver        string   `env:"ORCHESTRATOR_DRIVER" help:"Storage driver override."`
	DSN           string   `name:"dsn" env:"ORCHESTRATOR_DSN" help:"SQLite data source override."`
	RedisAddr     string   `name:"redis-addr" env:"ORCHESTRATOR_REDIS_ADDR" help:"Redis address override."`
	LogLevel      string   `name:"log-level" env:"ORCHESTRATOR_LOG_LEVEL" help:"Log level override."`
	LogFormat     string   `name:"log-format" env:"ORCHESTRATOR_LOG_FORMAT" help:"Log format override."`

	Serve     ServeCmd     `cmd:"" help:"Run the scheduler until interrupted."`
	Submit    SubmitCmd    `cmd:"" help:"Submit a workflow request."`
	Status    StatusCmd    `cmd:"" help:"Show a request."`
	List      ListCmd      `cmd:"" help:"List requests."`
	Audit     AuditCmd     `cmd:"" help:"Print the audit trail of a request."`
	Approve   ApproveCmd   `cmd:"" help:"Grant an approval."`
	Reject    RejectCmd    `cmd:"" help:"Reject an approval and the request."`
	Resolve   ResolveCmd   `cmd:"" help:"Resolve a dependency."`
	Complete  CompleteCmd  `cmd:"" help:"Complete a manual step."`
	Cancel    CancelCmd    `cmd:"" help:"Cancel a request."`
	Pause     PauseCmd     `cmd:"" help:"Pause a running request."`
	Resume    ResumeCmd    `cmd:"" help:"Resume a paused request."`
	Rollback  RollbackCmd  `cmd:"" help:"Roll a request back."`
	Templates TemplatesCmd `cmd:"" help:"Template utilities."`
}

// app carries process wide state into command Run methods.
type app struct {
	ctx    context.Context
	cli    *CLI
	out    io.Writer
	logOut io.Writer
}

func (a *app) config() (config.Config, error) {
	cfg, err := config.Load(a.cli.Config)
	if err != nil {
		return cfg, err
	}
	if a.cli.Driver != "" {
		cfg.Storage.Driver = a.cli.Driver
	}
	if a.cli.DSN != "" {
		cfg.Storage.DSN = a.cli.DSN
	}
	if a.cli.RedisAddr != "" {
		cfg.Storage.RedisAddr = a.cli.RedisAddr
	}
	if a.cli.LogLevel != "" {
		cfg.Log.Level = a.cli.LogLevel
	}
	if a.cli.LogFormat != "" {
		cfg.Log.Format = a.cli.LogFormat
	}
	cfg.Templates = append(cfg.Templates, a.cli.TemplateFiles...)
	return cfg, cfg.Validate()
}

func (a *app) stack() (*stack, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return buildStack(a.ctx, cfg, a.logOut)
}

// oneShot builds the stack for a command that reads or writes a single
// request. The memory driver would lose the result when the process exits.
func (a *app) oneShot(fn func(*stack) error) error {
	s, err := a.stack()
	if err != nil {
		return err
	}
	defer s.Close()
	if s.cfg.Storage.Driver == config.DriverMemory {
		return orchestrator.Errorf(orchestrator.ErrInvalidRequest, "command needs a persistent storage driver (sqlite or redis)")
	}
	return fn(s)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printSummary(req *orchestrator.WorkflowRequest) {
	fmt.Fprintf(a.out, "id:        %s\n", req.ID)
	fmt.Fprintf(a.out, "subject:   %s\n", req.SubjectID)
	fmt.Fprintf(a.out, "process:   %s (%s)\n", req.ProcessType, req.Workflow.Name)
	fmt.Fprintf(a.out, "status:    %s\n", req.Status)
	fmt.Fprintf(a.out, "priority:  %s\n", req.Priority)
	fmt.Fprintf(a.out, "step:      %s\n", req.CurrentStepID)
	for _, step := range req.Workflow.Steps {
		fmt.Fprintf(a.out, "  %-24s %-12s retries=%d/%d\n", step.ID, step.Status, step.RetryCount, step.MaxRetries)
	}
	for _, ap := range req.Approvals {
		fmt.Fprintf(a.out, "  approval %-15s %-10s role=%s\n", ap.ID, ap.Status, ap.ApproverRole)
	}
	for _, dep := range req.Dependencies {
		fmt.Fprintf(a.out, "  dependency %-13s %-10s target=%s\n", dep.ID, dep.Status, dep.Target)
	}
	if req.Error != "" {
		fmt.Fprintf(a.out, "error:     %s\n", req.Error)
	}
}

type ServeCmd struct {
	Tick        string `help:"Cron expression replacing the tick interval." env:"ORCHESTRATOR_TICK_CRON"`
	Concurrency int    `help:"Requests advanced per tick." env:"ORCHESTRATOR_CONCURRENCY"`
}

func (c *ServeCmd) Run(a *app) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if c.Tick != "" {
		cfg.Scheduler.TickCron = c.Tick
	}
	if c.Concurrency > 0 {
		cfg.Scheduler.Concurrency = c.Concurrency
	}
	s, err := buildStack(a.ctx, cfg, a.logOut)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.engine.Recover(a.ctx); err != nil {
		return err
	}
	s.metrics.Seed(s.engine.Working())

	stopMetrics := s.serveMetrics(a.ctx)
	defer stopMetrics()

	sched := s.scheduler()
	if err := sched.Start(a.ctx); err != nil {
		return err
	}
	<-a.ctx.Done()
	s.logger.Info("shutting down")
	return sched.Stop()
}

type SubmitCmd struct {
	Subject     string            `required:"" help:"Subject the process acts on."`
	Tenant      string            `help:"Tenant id."`
	ProcessType string            `name:"process-type" required:"" help:"Process type."`
	Reason      string            `help:"Business reason."`
	Urgency     string            `enum:"low,standard,urgent,emergency" default:"standard" help:"Urgency."`
	By          string            `default:"cli" help:"Submitting actor."`
	Meta        map[string]string `help:"Metadata key=value pairs."`
	JSON        bool              `name:"json" help:"Print the full request as JSON."`
}

func (c *SubmitCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		meta := map[string]any{}
		for k, v := range c.Meta {
			meta[k] = v
		}
		req, err := s.engine.Submit(a.ctx, registry.Submission{
			SubjectID:   c.Subject,
			TenantID:    c.Tenant,
			ProcessType: c.ProcessType,
			Reason:      c.Reason,
			Urgency:     orchestrator.Urgency(c.Urgency),
			SubmittedBy: c.By,
			Metadata:    meta,
		})
		if err != nil {
			return err
		}
		if c.JSON {
			return a.printJSON(req)
		}
		a.printSummary(req)
		return nil
	})
}

type StatusCmd struct {
	ID   string `arg:"" help:"Request id."`
	JSON bool   `name:"json" help:"Print the full request as JSON."`
}

func (c *StatusCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Get(a.ctx, c.ID)
		if err != nil {
			return err
		}
		if c.JSON {
			return a.printJSON(req)
		}
		a.printSummary(req)
		return nil
	})
}

type ListCmd struct {
	Subject string   `help:"Filter by subject."`
	Tenant  string   `help:"Filter by tenant."`
	Status  []string `help:"Filter by status."`
	Active  bool     `help:"Only non terminal requests."`
	Limit   int      `default:"50" help:"Maximum rows."`
}

func (c *ListCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		filter := repository.Filter{
			SubjectID:  c.Subject,
			TenantID:   c.Tenant,
			ActiveOnly: c.Active,
			Limit:      c.Limit,
		}
		for _, st := range c.Status {
			filter.Statuses = append(filter.Statuses, orchestrator.RequestStatus(st))
		}
		reqs, err := s.engine.List(a.ctx, filter)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			fmt.Fprintf(a.out, "%s\t%s\t%s\t%s\t%s\n", req.ID, req.SubjectID, req.ProcessType, req.Status, req.Priority)
		}
		return nil
	})
}

type AuditCmd struct {
	ID string `arg:"" help:"Request id."`
}

func (c *AuditCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		trail, err := s.engine.AuditTrail(a.ctx, c.ID)
		if err != nil {
			return err
		}
		for _, e := range trail {
			transition := ""
			if e.PriorStatus != e.NewStatus {
				transition = fmt.Sprintf("%s->%s", e.PriorStatus, e.NewStatus)
			}
			fmt.Fprintf(a.out, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Action, e.Actor, transition, e.StepID, e.Detail)
		}
		return nil
	})
}

type ApproveCmd struct {
	ID       string `arg:"" help:"Request id."`
	Approval string `arg:"" help:"Approval id."`
	By       string `required:"" help:"Approver."`
	Comment  string `help:"Comment."`
}

func (c *ApproveCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Approve(a.ctx, c.ID, c.Approval, c.By, c.Comment)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type RejectCmd struct {
	ID       string `arg:"" help:"Request id."`
	Approval string `arg:"" help:"Approval id."`
	By       string `required:"" help:"Approver."`
	Comment  string `help:"Comment."`
}

func (c *RejectCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Reject(a.ctx, c.ID, c.Approval, c.By, c.Comment)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type ResolveCmd struct {
	ID         string `arg:"" help:"Request id."`
	Dependency string `arg:"" help:"Dependency id."`
	By         string `default:"cli" help:"Actor."`
}

func (c *ResolveCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.ResolveDependency(a.ctx, c.ID, c.Dependency, c.By)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type CompleteCmd struct {
	ID     string            `arg:"" help:"Request id."`
	Step   string            `arg:"" help:"Manual step id."`
	By     string            `required:"" help:"Actor completing the step."`
	Output map[string]string `help:"Step output key=value pairs."`
}

func (c *CompleteCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		out := map[string]any{}
		for k, v := range c.Output {
			out[k] = v
		}
		req, err := s.engine.CompleteManualStep(a.ctx, c.ID, c.Step, c.By, out)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type CancelCmd struct {
	ID     string `arg:"" help:"Request id."`
	By     string `default:"cli" help:"Actor."`
	Reason string `help:"Cancellation reason."`
}

func (c *CancelCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Cancel(a.ctx, c.ID, c.By, c.Reason)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type PauseCmd struct {
	ID     string `arg:"" help:"Request id."`
	By     string `default:"cli" help:"Actor."`
	Reason string `help:"Pause reason."`
}

func (c *PauseCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Pause(a.ctx, c.ID, c.By, c.Reason)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type ResumeCmd struct {
	ID string `arg:"" help:"Request id."`
	By string `default:"cli" help:"Actor."`
}

func (c *ResumeCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Resume(a.ctx, c.ID, c.By)
		if err != nil {
			return err
		}
		a.printSummary(req)
		return nil
	})
}

type RollbackCmd struct {
	ID     string `arg:"" help:"Request id."`
	Reason string `required:"" help:"Rollback reason."`
	By     string `default:"cli" help:"Actor."`
}

func (c *RollbackCmd) Run(a *app) error {
	return a.oneShot(func(s *stack) error {
		req, err := s.engine.Rollback(a.ctx, c.ID, c.Reason, c.By)
		if req != nil {
			a.printSummary(req)
		}
		return err
	})
}

type TemplatesCmd struct {
	Validate TemplatesValidateCmd `cmd:"" help:"Parse and validate template files."`
	List     TemplatesListCmd     `cmd:"" help:"List registered templates."`
}

type TemplatesValidateCmd struct {
	Files []string `arg:"" type:"existingfile" help:"Template files."`
}

func (c *TemplatesValidateCmd) Run(a *app) error {
	failed := 0
	for _, path := range c.Files {
		defs, err := registry.LoadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(a.out, "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(a.out, "%s: %d templates ok\n", path, len(defs))
	}
	if failed > 0 {
		return orchestrator.Errorf(orchestrator.ErrInvalidDefinition, "%d of %d template files invalid", failed, len(c.Files))
	}
	return nil
}

type TemplatesListCmd struct{}

func (c *TemplatesListCmd) Run(a *app) error {
	s, err := a.stack()
	if err != nil {
		return err
	}
	defer s.Close()
	for _, key := range s.registry.Keys() {
		def, _ := s.registry.Definition(key)
		fmt.Fprintf(a.out, "%s\t%s\tv%s\t%d steps\n", key, def.Name, def.Version, len(def.Steps))
	}
	return nil
}

func run(ctx context.Context, args []string, out, logOut io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("orchestratord"),
		kong.Description("Long running workflow orchestration."),
		kong.Writers(out, logOut),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&app{ctx: ctx, cli: &cli, out: out, logOut: logOut})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord:", err)
		stop()
		os.Exit(1)
	}
}
