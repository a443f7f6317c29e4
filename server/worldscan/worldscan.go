// Package worldscan walks the coordinate grid of the world in square sub-grids
// and collects the scene deployed on every land.
package worldscan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gridops/abmonitor/fetch"
	"github.com/gridops/abmonitor/model"
)

// ErrNoBatchSucceeded is returned when every sub-grid request failed.
var ErrNoBatchSucceeded = errors.New("world scan failed: no batch succeeded")

type Config struct {
	ContentURL string
	MinCoord   int
	MaxCoord   int
	// BatchSize is the number of pointers per request; sub-grids are
	// floor(sqrt(BatchSize)) lands wide.
	BatchSize int
	// Delay is the pause between two sub-grid requests.
	Delay  time.Duration
	Policy fetch.Policy
}

// Result holds the lands of every sub-grid fetched successfully.
type Result struct {
	Lands         []model.Land   `json:"lands"`
	Entities      []model.Entity `json:"entities"`
	TotalBatches  int            `json:"totalBatches"`
	FailedBatches int            `json:"failedBatches"`
}

type Scanner struct {
	cfg     Config
	batcher *fetch.Batcher
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewScanner(cfg Config, client *http.Client) *Scanner {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Policy.Attempts == 0 {
		cfg.Policy = fetch.DefaultScanPolicy
	}
	cfg.ContentURL = strings.TrimRight(cfg.ContentURL, "/")
	return &Scanner{
		cfg:     cfg,
		batcher: fetch.NewBatcher(client, cfg.Policy, "scan"),
		sleep:   fetch.SleepContext,
	}
}

// WithSleep replaces the pauses between attempts and sub-grids, for tests.
func (s *Scanner) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Scanner {
	s.sleep = sleep
	s.batcher.Sleep = sleep
	return s
}

// SubGrid is an inclusive rectangle of lands.
type SubGrid struct {
	MinX, MinY, MaxX, MaxY int
}

func (g SubGrid) Pointers() []string {
	out := make([]string, 0, (g.MaxX-g.MinX+1)*(g.MaxY-g.MinY+1))
	for x := g.MinX; x <= g.MaxX; x++ {
		for y := g.MinY; y <= g.MaxY; y++ {
			out = append(out, model.Pointer(x, y))
		}
	}
	return out
}

func (g SubGrid) Cells() int {
	return (g.MaxX - g.MinX + 1) * (g.MaxY - g.MinY + 1)
}

// Partition splits [min,max]² in square sub-grids of side floor(sqrt(batchSize)),
// the last row and column being clipped to the grid.
func Partition(minCoord, maxCoord, batchSize int) []SubGrid {
	side := int(math.Floor(math.Sqrt(float64(batchSize))))
	if side < 1 {
		side = 1
	}
	var out []SubGrid
	for x := minCoord; x <= maxCoord; x += side {
		for y := minCoord; y <= maxCoord; y += side {
			out = append(out, SubGrid{
				MinX: x, MinY: y,
				MaxX: min(x+side-1, maxCoord),
				MaxY: min(y+side-1, maxCoord),
			})
		}
	}
	return out
}

type activeEntity struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Pointers []string `json:"pointers"`
}

// Scan fetches every sub-grid in sequence. A sub-grid failing after its retries
// is skipped and counted; the scan fails only if no sub-grid succeeded.
// onProgress receives the share of grid cells processed, from 0 to 100.
func (s *Scanner) Scan(ctx context.Context, onProgress func(pct float64)) (*Result, error) {
	grids := Partition(s.cfg.MinCoord, s.cfg.MaxCoord, s.cfg.BatchSize)
	side := s.cfg.MaxCoord - s.cfg.MinCoord + 1
	totalCells := side * side
	url := s.cfg.ContentURL + "/entities/active"

	res := &Result{TotalBatches: len(grids)}
	seen := make(map[string]bool)
	processed := 0
	start := time.Now()
	log.Printf("[scan] scanning %d lands in %d batches from %s", totalCells, len(grids), s.cfg.ContentURL)

	for i, g := range grids {
		if i > 0 && s.cfg.Delay > 0 {
			if err := s.sleep(ctx, s.cfg.Delay); err != nil {
				return nil, err
			}
		}
		pointers := g.Pointers()
		var entities []activeEntity
		err := s.batcher.PostJSON(ctx, url, map[string][]string{"pointers": pointers}, &entities)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.FailedBatches++
			log.Printf("⚠️ [scan] batch %d/%d (%d,%d)..(%d,%d) skipped: %v", i+1, len(grids), g.MinX, g.MinY, g.MaxX, g.MaxY, err)
		} else {
			res.Lands = append(res.Lands, landsOf(pointers, entities)...)
			for _, e := range entities {
				if e.ID == "" || seen[e.ID] {
					continue
				}
				seen[e.ID] = true
				kind := model.EntityKind(e.Type)
				if kind == "" {
					kind = model.KindScene
				}
				res.Entities = append(res.Entities, model.Entity{ID: e.ID, Kind: kind, Pointers: e.Pointers})
			}
		}
		processed += g.Cells()
		if onProgress != nil {
			onProgress(float64(processed) / float64(totalCells) * 100)
		}
	}

	if res.FailedBatches == len(grids) {
		return nil, fmt.Errorf("%w (%d batches)", ErrNoBatchSucceeded, len(grids))
	}
	log.Printf("✅ [scan] %d lands, %d scenes, %d/%d batches failed in %s",
		len(res.Lands), len(res.Entities), res.FailedBatches, len(grids), time.Since(start).Round(time.Second))
	return res, nil
}

// landsOf maps each requested pointer to the entity deployed on it.
func landsOf(pointers []string, entities []activeEntity) []model.Land {
	owner := make(map[string]string, len(pointers))
	for _, e := range entities {
		for _, p := range e.Pointers {
			owner[strings.ReplaceAll(p, " ", "")] = e.ID
		}
	}
	out := make([]model.Land, 0, len(pointers))
	for _, p := range pointers {
		var x, y int
		if _, err := fmt.Sscanf(p, "%d,%d", &x, &y); err != nil {
			continue
		}
		out = append(out, model.Land{X: x, Y: y, EntityID: owner[p]})
	}
	return out
}
