package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"tickpipe-go/internal/cli"
	"tickpipe-go/internal/config"
)

var stages = []config.Stage{config.StageDistributor, config.StageEngine, config.StageSimulator}

func main() {
	var path string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive editor for run parameters and pipeline launcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return menu(bufio.NewReader(os.Stdin), path)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", cli.DefaultConfigPath, "path to the YAML configuration file")
	cli.Execute(cmd)
}

func menu(reader *bufio.Reader, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	for {
		fmt.Println("\n=== tickpipe run control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit simulation knobs")
		fmt.Println("3) Edit strategy")
		fmt.Println("4) Validate")
		fmt.Println("5) Save config")
		fmt.Println("6) Launch pipeline")
		fmt.Println("7) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		switch strings.TrimSpace(input) {
		case "1":
			printSummary(cfg)
		case "2":
			editSimulation(reader, cfg)
		case "3":
			editStrategy(reader, cfg)
		case "4":
			printProblems(cfg)
		case "5":
			if err := config.Save(path, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "6":
			launch(reader, path)
		case "7":
			reloaded, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0", "":
			return nil
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	s := cfg.Simulator
	p := cfg.Engine.Strategy.Params
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Setting", "Value"})
	table.AppendBulk([][]string{
		{"run id", cfg.App.RunID},
		{"feed", fmt.Sprintf("%s %s", cfg.Feed.Provider, strings.Join(cfg.Feed.Symbols, ","))},
		{"strategy", cfg.Engine.Strategy.Mode},
		{"rsi period / ob / os", fmt.Sprintf("%d / %.0f / %.0f", p.RSIPeriod, p.RSIOverbought, p.RSIOversold)},
		{"obi window / threshold / floor", fmt.Sprintf("%d / %.2f / %.0f", p.OBIWindow, p.OBIThreshold, p.OBIMinVolume)},
		{"cooldown", config.Millis(cfg.Engine.CooldownMs).String()},
		{"initial capital", fmt.Sprintf("%.2f", s.InitialCapital)},
		{"position size", fmt.Sprintf("%.2f%%", s.PositionSizePct*100)},
		{"fee", fmt.Sprintf("%.3f%%", s.FeePct*100)},
		{"min confidence", fmt.Sprintf("%.2f", s.MinConfidence)},
		{"allow short", strconv.FormatBool(s.AllowShort)},
		{"max position", fmt.Sprintf("%.2f", s.MaxPositionSize)},
		{"bus", fmt.Sprintf("%s %s", cfg.Bus.Driver, cfg.Bus.URL)},
	})
	table.Render()
}

func editSimulation(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit simulation ---")
	s := &cfg.Simulator
	s.InitialCapital = promptFloat(reader, "Initial capital", s.InitialCapital)
	s.PositionSizePct = promptPercent(reader, "Position size (%)", s.PositionSizePct)
	s.FeePct = promptPercent(reader, "Fee (%)", s.FeePct)
	s.MinConfidence = promptFloat(reader, "Min confidence", s.MinConfidence)
	s.MaxPositionSize = promptFloat(reader, "Max position notional (0 = none)", s.MaxPositionSize)
	s.AllowShort = promptBool(reader, "Allow short", s.AllowShort)
	cfg.Engine.CooldownMs = int(promptFloat(reader, "Signal cooldown (ms)", float64(cfg.Engine.CooldownMs)))
}

func editStrategy(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit strategy ---")
	st := &cfg.Engine.Strategy
	fmt.Printf("Mode (rsi|obi) [%s]: ", st.Mode)
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		st.Mode = strings.ToLower(strings.TrimSpace(line))
	}
	p := &st.Params
	switch st.Mode {
	case "rsi", "momentum":
		p.RSIPeriod = int(promptFloat(reader, "RSI period", float64(p.RSIPeriod)))
		p.RSIOverbought = promptFloat(reader, "Overbought", p.RSIOverbought)
		p.RSIOversold = promptFloat(reader, "Oversold", p.RSIOversold)
	case "obi", "imbalance":
		p.OBIWindow = int(promptFloat(reader, "OBI window", float64(p.OBIWindow)))
		p.OBIThreshold = promptFloat(reader, "OBI threshold", p.OBIThreshold)
		p.OBIMinVolume = promptFloat(reader, "Min book volume", p.OBIMinVolume)
	}
}

func printProblems(cfg *config.Config) {
	ok := true
	for _, stage := range stages {
		if err := cfg.Validate(stage); err != nil {
			ok = false
			fmt.Printf("%s:\n", stage)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Printf("  - %s\n", line)
			}
		}
	}
	if ok {
		fmt.Println("configuration valid for every stage")
	}
}

// launch starts the three stages as child processes and stops them on ENTER.
func launch(reader *bufio.Reader, path string) {
	fmt.Println("Launching pipeline...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cmds []*exec.Cmd
	for _, stage := range stages {
		cmd := exec.CommandContext(ctx, "go", "run", "./cmd/"+string(stage), "--config", path)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = 3 * time.Second
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start %s: %v\n", stage, err)
			cancel()
			break
		}
		cmds = append(cmds, cmd)
	}

	fmt.Print("\nPress ENTER to stop the pipeline and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	for _, cmd := range cmds {
		var exit *exec.ExitError
		if err := cmd.Wait(); err != nil && !errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.Args[2], err)
		}
	}
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.4g]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.4g\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}

func promptBool(reader *bufio.Reader, label string, current bool) bool {
	fmt.Printf("%s [%t]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseBool(line)
	if err != nil {
		fmt.Printf("invalid boolean, keeping %t\n", current)
		return current
	}
	return val
}
