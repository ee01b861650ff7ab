package charts

import (
	"context"
	"time"

	"billboard-api-go/logcolors"
	"billboard-api-go/services/providers"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Prewarmer requests configured charts on a cron schedule so publish-day
// rechecks happen without waiting for client traffic. It goes through
// Service.Get, so it honours the same scheduler state as requests do.
type Prewarmer struct {
	service *Service
	ids     []string
	cron    *cron.Cron
	timeout time.Duration
}

// NewPrewarmer validates ids and schedule. loc sets the cron time zone.
func NewPrewarmer(service *Service, ids []string, schedule string, loc *time.Location) (*Prewarmer, error) {
	for _, id := range ids {
		if err := (providers.ChartKey{ChartID: id}).Validate(); err != nil {
			return nil, err
		}
	}
	if loc == nil {
		loc = time.UTC
	}

	p := &Prewarmer{
		service: service,
		ids:     ids,
		cron:    cron.New(cron.WithLocation(loc)),
		timeout: 3 * time.Minute,
	}
	if _, err := p.cron.AddFunc(schedule, p.Run); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Prewarmer) Start() {
	log.Infof("%s Prewarming %v on schedule", logcolors.LogPrewarm, p.ids)
	p.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (p *Prewarmer) Stop() {
	<-p.cron.Stop().Done()
}

// Run requests every configured chart once.
func (p *Prewarmer) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for _, id := range p.ids {
		res, err := p.service.Get(ctx, Request{Key: providers.ChartKey{ChartID: id}, Enrich: true})
		if err != nil {
			log.Warnf("%s %s failed: %v", logcolors.LogPrewarm, id, err)
			continue
		}
		log.Infof("%s %s: %s (%s)", logcolors.LogPrewarm, id, res.Snapshot.WeekLabel, res.Status)
	}
}
