package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/qryptonic/qstrike-stream/internal/event"
)

type mockJob struct {
	ev        event.QuantumEvent
	pattern   string
	rate      float32 // progress points per tick
	failAt    float32
	stallLeft int
	completed bool
}

var mockPatterns = []string{"steady", "burst", "stall", "fail"}

// MockGenerator simulates quantum jobs advancing through their phases and
// publishes one event per job per tick.
type MockGenerator struct {
	pub      Publisher
	tenant   string
	interval time.Duration
	clock    clockwork.Clock
	logger   logrus.FieldLogger
	rng      *rand.Rand
	jobs     []*mockJob
}

func NewMockGenerator(pub Publisher, tenant string, jobs int, interval time.Duration, clock clockwork.Clock, logger logrus.FieldLogger) *MockGenerator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	g := &MockGenerator{
		pub:      pub,
		tenant:   tenant,
		interval: interval,
		clock:    clock,
		logger:   logger,
		rng:      rand.New(rand.NewSource(int64(jobs) + 42)),
	}

	for i := 0; i < jobs; i++ {
		algo := event.Algos[i%len(event.Algos)]
		provider := event.Providers[i%len(event.Providers)]
		logical := 20 + g.rng.Intn(400)
		g.jobs = append(g.jobs, &mockJob{
			ev: event.QuantumEvent{
				JobID:          fmt.Sprintf("mock-%s-%s-%d", strings.ToLower(string(algo)), strings.ToLower(string(provider)), i),
				Algo:           algo,
				Provider:       provider,
				Phase:          "queued",
				LogicalQubits:  logical,
				PhysicalQubits: logical * (500 + g.rng.Intn(1500)),
				CircuitDepth:   1000 + g.rng.Intn(100000),
				GateError:      0.0005 + g.rng.Float64()*0.002,
				Fidelity:       0.999,
			},
			pattern: mockPatterns[i%len(mockPatterns)],
			rate:    0.5 + g.rng.Float32()*2,
			failAt:  40 + g.rng.Float32()*40,
		})
	}
	return g
}

// Jobs returns the simulated job ids.
func (g *MockGenerator) Jobs() []string {
	ids := make([]string, len(g.jobs))
	for i, j := range g.jobs {
		ids[i] = j.ev.JobID
	}
	return ids
}

func (g *MockGenerator) Run(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if g.Tick(ctx) == 0 {
				g.logger.Info("all mock jobs complete")
				return nil
			}
		}
	}
}

// Tick advances every running job once and returns how many are still
// running.
func (g *MockGenerator) Tick(ctx context.Context) int {
	running := 0
	for _, j := range g.jobs {
		if j.completed {
			continue
		}
		g.advance(j)

		frame, err := event.Encode(j.ev)
		if err != nil {
			g.logger.WithError(err).WithField("job_id", j.ev.JobID).Error("mock event invalid")
			j.completed = true
			continue
		}
		if err := g.pub.Publish(ctx, g.tenant, j.ev.JobID, frame); err != nil {
			g.logger.WithError(err).WithField("job_id", j.ev.JobID).Warn("mock publish failed")
		}
		if j.completed {
			g.pub.Complete(j.ev.JobID)
			continue
		}
		running++
	}
	return running
}

func (g *MockGenerator) advance(j *mockJob) {
	ev := &j.ev
	ev.TS = g.clock.Now().UnixMilli()

	step := j.rate
	switch j.pattern {
	case "burst":
		if g.rng.Intn(4) == 0 {
			step *= 4
		} else {
			step /= 2
		}
	case "stall":
		if j.stallLeft > 0 {
			j.stallLeft--
			step = 0
		} else if g.rng.Intn(10) == 0 {
			j.stallLeft = 3 + g.rng.Intn(5)
		}
	case "fail":
		if ev.ProgressPct >= j.failAt {
			ev.Phase = "failed"
			ev.EtaSec = 0
			ev.ScaledEtaSec = nil
			j.completed = true
			return
		}
	}

	ev.ProgressPct = float32(math.Min(100, float64(ev.ProgressPct+step)))
	ev.Phase = phaseFor(ev.ProgressPct)
	ev.Fidelity = math.Max(0, ev.Fidelity-ev.GateError*float64(step)/10)
	ev.PSuccess = float32(math.Min(1, float64(ev.ProgressPct)/100*ev.Fidelity))

	remaining := 100 - ev.ProgressPct
	ticks := float64(remaining) / float64(j.rate)
	ev.EtaSec = int(math.Ceil(ticks * g.interval.Seconds()))
	if ev.Algo == event.AlgoShor || ev.Algo == event.AlgoECC {
		// Projected wall time at the physical qubit count a real attack needs.
		scaled := ev.EtaSec * max(1, ev.PhysicalQubits/ev.LogicalQubits)
		ev.ScaledEtaSec = &scaled
	}

	if ev.ProgressPct >= 100 {
		ev.EtaSec = 0
		if ev.ScaledEtaSec != nil {
			zero := 0
			ev.ScaledEtaSec = &zero
		}
		j.completed = true
	}
}

func phaseFor(progress float32) string {
	switch {
	case progress >= 100:
		return "complete"
	case progress >= 95:
		return "post-processing"
	case progress >= 40:
		return "executing"
	case progress >= 20:
		return "error-correction"
	case progress >= 5:
		return "compiling"
	default:
		return "queued"
	}
}

// terminalPhase reports whether phase ends a job's live stream.
func terminalPhase(phase string) bool {
	return phase == "complete" || phase == "failed"
}
