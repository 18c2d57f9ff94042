// Command divesim prints a game's payout curve and estimates the return of
// a cash-out strategy by simulation.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/sim"
)

func main() {
	var (
		dir      = flag.String("config", "config", "directory holding games/default.yaml")
		name     = flag.String("game", "", "overlay name under games/")
		bet      = flag.Uint64("bet", 100, "bet amount")
		cashOut  = flag.Int("cashout", 0, "depth to cash out at; 0 dives to max depth")
		trials   = flag.Int("trials", 100000, "number of simulated sessions")
		seed     = flag.Uint64("seed", 1, "PCG seed for reproducible runs")
		base     = flag.String("base", "", "override survival.base")
		minS     = flag.String("min", "", "override survival.min")
		decay    = flag.String("decay", "", "override survival.decay")
		edge     = flag.String("edge", "", "override payout.house_edge")
		maxMult  = flag.Uint64("max-mult", 0, "override payout.max_multiplier")
		maxDepth = flag.Int("max-depth", 0, "override max_depth")
	)
	flag.Parse()

	var o game.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base":
			o.Base = base
		case "min":
			o.Min = minS
		case "decay":
			o.Decay = decay
		case "edge":
			o.HouseEdge = edge
		case "max-mult":
			o.MaxMultiplier = maxMult
		case "max-depth":
			o.MaxDepth = maxDepth
		}
	})

	_, cfg, err := game.NewLoader(*dir).Resolve(*name, o)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	p := cfg.Curve

	pterm.DefaultSection.Printfln("curve %s, bet %d, max payout %d", cfg.Version, *bet, curve.MaxPayout(*bet, p))
	data := pterm.TableData{{"depth", "threshold", "survival", "payout", "multiplier", "reach chance"}}
	reach := 1.0
	for _, r := range curve.Table(*bet, p) {
		data = append(data, []string{
			strconv.Itoa(r.Depth),
			strconv.FormatUint(uint64(r.ThresholdPPM), 10),
			r.Survival.StringFixed(4),
			strconv.FormatUint(r.Payout, 10),
			r.Multiplier.StringFixed(4),
			fmt.Sprintf("%.6f", reach),
		})
		reach *= float64(r.ThresholdPPM) / float64(curve.PPM)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	strategy := sim.Strategy{Bet: *bet, CashOutAt: *cashOut}
	res, err := sim.Run(p, strategy, *trials, outcome.NewSeededSeeds(*seed))
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	target := "max depth"
	if *cashOut > 0 {
		target = "depth " + strconv.Itoa(*cashOut)
	}
	summary := pterm.Sprintfln("strategy      cash out at %s", target) +
		pterm.Sprintfln("trials        %d", res.Trials) +
		pterm.Sprintfln("expected RTP  %.4f", sim.ExpectedRTP(p, strategy)) +
		pterm.Sprintfln("simulated RTP %.4f", res.RTP) +
		pterm.Sprintfln("bust rate     %.4f", res.BustRate) +
		pterm.Sprintfln("mean depth    %.2f", res.MeanDepth) +
		pterm.Sprintf("returned      mean=%.2f sd=%.2f p50=%.0f p90=%.0f p99=%.0f",
			res.Returned.Mean, res.Returned.StdDev, res.Returned.P50, res.Returned.P90, res.Returned.P99)
	pterm.DefaultBox.WithTitle(pterm.LightYellow("SIMULATION")).WithTitleTopCenter().Println(summary)
	if res.RTP >= 1 {
		pterm.Warning.Println("simulated RTP is at or above 1; the curve does not favour the house")
	}
}
