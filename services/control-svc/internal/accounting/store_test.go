package accounting

import (
	"context"
	"fmt"
	"sync"

	"hydronet/pkg/hydro"
)

// memStore - хранилище в памяти для тестов пакета
type memStore struct {
	mu         sync.Mutex
	deliveries map[string]*hydro.Delivery
	traces     map[string]*hydro.FlowTrace
	losses     map[string]*hydro.TransitLoss
	effs       []*hydro.EfficiencyRecord
	deficits   map[string]*hydro.DeficitRecord
	carry      map[string]*hydro.CarryForward
	recons     map[hydro.Week]*hydro.ReconciliationLog
	adjs       []hydro.Adjustment

	// Если weekGate задан, DeliveriesForWeek сигналит в entered и ждёт
	weekGate chan struct{}
	entered  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		deliveries: map[string]*hydro.Delivery{},
		traces:     map[string]*hydro.FlowTrace{},
		losses:     map[string]*hydro.TransitLoss{},
		deficits:   map[string]*hydro.DeficitRecord{},
		carry:      map[string]*hydro.CarryForward{},
		recons:     map[hydro.Week]*hydro.ReconciliationLog{},
	}
}

func weekKey(zone string, w hydro.Week) string {
	return fmt.Sprintf("%s/%s", zone, w)
}

func weekIn(w, from, to hydro.Week) bool {
	return !w.Before(from) && !to.Before(w)
}

func (s *memStore) SaveDelivery(_ context.Context, d *hydro.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *memStore) DeliveriesForWeek(_ context.Context, week hydro.Week) ([]*hydro.Delivery, error) {
	if s.weekGate != nil {
		s.entered <- struct{}{}
		<-s.weekGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hydro.Delivery
	for _, d := range s.deliveries {
		if d.Week == week {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) DeliveriesForZone(_ context.Context, zone string, from, to hydro.Week) ([]*hydro.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hydro.Delivery
	for _, d := range s.deliveries {
		if d.Zone == zone && weekIn(d.Week, from, to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) SaveTrace(_ context.Context, tr *hydro.FlowTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[tr.DeliveryID] = tr
	return nil
}

func (s *memStore) TraceForDelivery(_ context.Context, id string) (*hydro.FlowTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traces[id], nil
}

func (s *memStore) SaveTransitLoss(_ context.Context, l *hydro.TransitLoss) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.losses[l.DeliveryID] = &cp
	return nil
}

func (s *memStore) LossForDelivery(_ context.Context, id string) (*hydro.TransitLoss, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.losses[id], nil
}

func (s *memStore) SaveEfficiency(_ context.Context, rec *hydro.EfficiencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effs = append(s.effs, rec)
	return nil
}

func (s *memStore) EfficienciesForZone(_ context.Context, zone string, from, to hydro.Week) ([]*hydro.EfficiencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hydro.EfficiencyRecord
	for _, e := range s.effs {
		if e.Zone == zone && weekIn(e.Week, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) SaveDeficit(_ context.Context, rec *hydro.DeficitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deficits[weekKey(rec.Zone, rec.Week)] = rec
	return nil
}

func (s *memStore) DeficitsForZone(_ context.Context, zone string, from, to hydro.Week) ([]*hydro.DeficitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hydro.DeficitRecord
	for _, d := range s.deficits {
		if d.Zone == zone && weekIn(d.Week, from, to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) CarryForward(_ context.Context, zone string) (*hydro.CarryForward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carry[zone], nil
}

func (s *memStore) SaveCarryForward(_ context.Context, cf *hydro.CarryForward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry[cf.Zone] = cf
	return nil
}

func (s *memStore) Reconciliation(_ context.Context, week hydro.Week) (*hydro.ReconciliationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recons[week], nil
}

func (s *memStore) SaveReconciliation(_ context.Context, lg *hydro.ReconciliationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recons[lg.Week] = lg
	return nil
}

func (s *memStore) SaveAdjustments(_ context.Context, adjs []hydro.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjs = append(s.adjs, adjs...)
	return nil
}
