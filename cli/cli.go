package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridops/abmonitor/fetch"
	"github.com/gridops/abmonitor/lib"
	"github.com/gridops/abmonitor/model"
)

// Attr holds the operator commands.
type Attr struct {
	Server  string `arg:"-s,--server,env:ABMONITOR_SERVER" default:"http://localhost:8080" help:"Monitor server URL"`
	TimeOut int    `arg:"-t,--timeout" default:"30" help:"Timeout for server interaction (in seconds)"`

	Status *struct {
		Range string `arg:"-r,--range" default:"1h" help:"Queue history window: 1h, 3h, 6h, 12h, 24h, 3d or 7d"`
	} `arg:"subcommand:status" help:"Show consumers, queue depths and throughput"`

	Ranking *struct{} `arg:"subcommand:ranking" help:"List the slowest jobs of the last 24 hours"`

	History *struct{} `arg:"subcommand:history" help:"List the last job completions"`

	// Report Commands (Sub-Subcommands)
	Report *struct {
		Show *struct {
			Scenes bool `arg:"--scenes" help:"List every scene with its optimization status"`
		} `arg:"subcommand:show" help:"Show the last optimization report"`

		History *struct {
			Days int `arg:"--days" default:"30" help:"How many days of summaries to list"`
		} `arg:"subcommand:history" help:"List past optimization summaries"`

		Generate *struct {
			Wait bool `arg:"-w,--wait" help:"Follow the run until it ends"`
		} `arg:"subcommand:generate" help:"Start a report run on the server"`
	} `arg:"subcommand:report" help:"Optimization reports"`

	Trigger *struct {
		Prioritize bool     `arg:"-p,--prioritize" help:"Put the entities in front of the queue"`
		IDs        []string `arg:"positional,required" help:"Entity ids to queue for optimization"`
	} `arg:"subcommand:trigger" help:"Queue entities for optimization"`

	HashPassword *struct {
		Password string `arg:"positional" help:"Password to hash, prompted when omitted"`
	} `arg:"subcommand:hashpassword" help:"Print the bcrypt hash of an operator password"`

	Scan *struct {
		Config string `arg:"-c,--config" help:"Server configuration file, defaults are used when omitted"`
		Output string `arg:"-o,--output" help:"Write the full report as JSON to this file"`
	} `arg:"subcommand:scan" help:"Run a one-off scan and reconciliation locally"`
}

type CLI struct {
	Client *lib.Client
	Attr   Attr
}

// WithTimeout provides a context with a timeout
func (c *CLI) WithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(c.Attr.TimeOut)*time.Second)
}

func duration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(10 * time.Millisecond).String()
}

func (c *CLI) StatusShow() error {
	ctx, cancel := c.WithTimeout()
	defer cancel()

	res, err := c.Client.Status(ctx, c.Attr.Status.Range)
	if err != nil {
		return fmt.Errorf("error fetching status: %w", err)
	}

	fmt.Printf("🖥️ Consumers (%d):\n", len(res.Consumers))
	for _, cs := range res.Consumers {
		line := fmt.Sprintf("🆔 %s | %s | %s", cs.ID, cs.ProcessMethod, cs.Status)
		if cs.Status == model.StatusProcessing {
			line += fmt.Sprintf(" | scene %s %s %d%%", cs.CurrentSceneID, cs.CurrentStep, cs.ProgressPercent)
			if cs.IsPriority {
				line += " ⚡"
			}
		}
		line += fmt.Sprintf(" | ✅ %s ❌ %s | avg %s | seen %s",
			humanize.Comma(int64(cs.JobsCompleted)), humanize.Comma(int64(cs.JobsFailed)),
			duration(cs.AvgProcessingTimeMs), humanize.Time(cs.LastHeartbeat))
		fmt.Println(line)
	}

	fmt.Printf("📊 Queues (%s):\n", res.Range)
	for _, kind := range model.EntityKinds {
		q := res.Queues[kind]
		if q.Latest == nil {
			fmt.Printf("  %s: no data\n", kind)
			continue
		}
		fmt.Printf("  %s: %s pending (%s) | %d points\n", kind,
			humanize.Comma(int64(q.Latest.QueueDepth)), humanize.Time(q.Latest.RecordedAt), len(q.History))
	}
	fmt.Printf("⏱️ Processed in the last hour: %s\n", humanize.Comma(int64(res.ProcessedLastHour)))
	return nil
}

func (c *CLI) RankingList() error {
	ctx, cancel := c.WithTimeout()
	defer cancel()

	ranking, err := c.Client.Ranking(ctx)
	if err != nil {
		return fmt.Errorf("error fetching ranking: %w", err)
	}
	fmt.Println("🐢 Slowest jobs of the last 24 hours:")
	for _, e := range ranking {
		fmt.Printf("#%d %s | %s | %s | %s | %s\n", e.Rank, e.SceneID, e.ConsumerID, e.Status,
			duration(e.DurationMs), humanize.Time(e.CompletedAt))
	}
	return nil
}

func (c *CLI) HistoryList() error {
	ctx, cancel := c.WithTimeout()
	defer cancel()

	entries, err := c.Client.History(ctx)
	if err != nil {
		return fmt.Errorf("error fetching history: %w", err)
	}
	fmt.Println("📜 Last job completions:")
	for _, e := range entries {
		icon := "✅"
		if e.Status != model.JobSuccess {
			icon = "❌"
		}
		line := fmt.Sprintf("%s %s | %s | %s | %s | %s", icon, e.SceneID, e.ConsumerID, e.ProcessMethod,
			duration(e.DurationMs), humanize.Time(e.CompletedAt))
		if e.ErrorMessage != "" {
			line += " | " + e.ErrorMessage
		}
		fmt.Println(line)
	}
	return nil
}

func printSummary(s model.OptimizationSummary) {
	fmt.Printf("🗺️ Lands: %s total, %s occupied, %s empty\n",
		humanize.Comma(int64(s.TotalLands)), humanize.Comma(int64(s.OccupiedLands)), humanize.Comma(int64(s.EmptyLands)))
	fmt.Printf("🏙️ Scenes: %s unique, %s optimized (%.1f%%), %s failed\n",
		humanize.Comma(int64(s.UniqueScenes)), humanize.Comma(int64(s.OptimizedScenes)),
		s.OptimizedPercent(), humanize.Comma(int64(s.FailedScenes)))
	if s.FailedBatches > 0 {
		fmt.Printf("⚠️ %d scan batches failed, the report is partial\n", s.FailedBatches)
	}
	fmt.Printf("⏱️ Generated %s in %s\n", humanize.Time(s.GeneratedAt), duration(s.DurationMs))
}

func (c *CLI) ReportShow() error {
	ctx, cancel := c.WithTimeout()
	defer cancel()

	res, err := c.Client.Report(ctx)
	if err != nil {
		return fmt.Errorf("error fetching report: %w", err)
	}
	st := res.Status
	if st.IsGenerating {
		fmt.Printf("🔄 Generating: %s %.0f%%\n", st.Phase, st.Progress)
	}
	if st.LastError != "" {
		fmt.Printf("❌ Last run failed: %s\n", st.LastError)
	}
	if res.Report == nil {
		fmt.Println("📭 No report available yet")
		return nil
	}
	printSummary(res.Report.Summary)
	if c.Attr.Report.Show.Scenes {
		for _, sc := range res.Report.Scenes {
			icon := "⬜"
			switch {
			case sc.Report != nil && !sc.Report.Success:
				icon = "❌"
			case sc.HasOptimizedAssets:
				icon = "✅"
			}
			fmt.Printf("%s %s %s\n", icon, sc.ID, strings.Join(sc.Pointers, " "))
		}
	}
	return nil
}

func (c *CLI) ReportHistory() error {
	ctx, cancel := c.WithTimeout()
	defer cancel()

	summaries, err := c.Client.ReportHistory(ctx, c.Attr.Report.History.Days)
	if err != nil {
		return fmt.Errorf("error fetching report history: %w", err)
	}
	fmt.Printf("📈 Optimization summaries of the last %d days:\n", c.Attr.Report.History.Days)
	for _, s := range summaries {
		fmt.Printf("%s | %s scenes | %.1f%% optimized | %s failed | %s\n",
			s.GeneratedAt.Local().Format(time.DateTime), humanize.Comma(int64(s.UniqueScenes)),
			s.OptimizedPercent(), humanize.Comma(int64(s.FailedScenes)), duration(s.DurationMs))
	}
	return nil
}

func (c *CLI) ReportGenerate() error {
	password, err := adminPassword()
	if err != nil {
		return err
	}
	ctx, cancel := c.WithTimeout()
	st, err := c.Client.Generate(ctx, password)
	cancel()
	var se *fetch.StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusConflict:
		fmt.Println("⏳ A report is already being generated")
	case err != nil:
		return fmt.Errorf("error starting report: %w", err)
	default:
		fmt.Printf("✅ Report generation started (%s)\n", st.Phase)
	}
	if !c.Attr.Report.Generate.Wait {
		return nil
	}
	return c.follow()
}

func (c *CLI) TriggerEntities() error {
	password, err := adminPassword()
	if err != nil {
		return err
	}
	ctx, cancel := c.WithTimeout()
	defer cancel()

	res, err := c.Client.Trigger(ctx, password, c.Attr.Trigger.IDs, c.Attr.Trigger.Prioritize)
	if err != nil {
		return fmt.Errorf("error triggering entities: %w", err)
	}
	for _, id := range res.Results.Success {
		fmt.Printf("✅ %s queued\n", id)
	}
	for _, f := range res.Results.Failed {
		fmt.Printf("❌ %s: %s\n", f.ID, f.Error)
	}
	fmt.Printf("📦 %d/%d queued\n", res.Queued, res.Total)
	if res.Failed > 0 {
		return fmt.Errorf("%d entities could not be queued", res.Failed)
	}
	return nil
}

func (c *CLI) HashPasswordPrint() error {
	password := c.Attr.HashPassword.Password
	if password == "" {
		var err error
		if password, err = promptPassword(); err != nil {
			return err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

// Execute runs the command selected in c.Attr.
func (c *CLI) Execute() error {
	switch {
	case c.Attr.Status != nil:
		return c.StatusShow()
	case c.Attr.Ranking != nil:
		return c.RankingList()
	case c.Attr.History != nil:
		return c.HistoryList()
	case c.Attr.Report != nil:
		switch {
		case c.Attr.Report.Show != nil:
			return c.ReportShow()
		case c.Attr.Report.History != nil:
			return c.ReportHistory()
		case c.Attr.Report.Generate != nil:
			return c.ReportGenerate()
		}
		return fmt.Errorf("missing report subcommand: show, history or generate")
	case c.Attr.Trigger != nil:
		return c.TriggerEntities()
	case c.Attr.HashPassword != nil:
		return c.HashPasswordPrint()
	case c.Attr.Scan != nil:
		return c.ScanLocal()
	}
	return fmt.Errorf("no command specified, run with --help for usage")
}

func Run(c CLI) error {
	arg.MustParse(&c.Attr)

	if c.Client == nil {
		c.Client = lib.CreateClient(c.Attr.Server, "")
	}
	err := c.Execute()
	if err != nil {
		log.Printf("❌ %v", err)
	}
	return err
}
