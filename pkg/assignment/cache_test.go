package assignment

import (
	"strconv"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/experiment"
)

func TestCache_AddOnce(t *testing.T) {
	c := NewCache(0, 0)
	a := experiment.Assignment{ExperimentID: "exp1", VariantID: "control", InExperiment: true}

	if !c.Add(a, "u1") {
		t.Fatal("first Add() = false, want true")
	}
	b := a
	b.VariantID = "treatment"
	if c.Add(b, "u1") {
		t.Fatal("second Add() = true, want false")
	}

	got, ok := c.Get("exp1", "u1")
	if !ok || got.VariantID != "control" {
		t.Errorf("Get() = %+v, %v; want control", got, ok)
	}
}

func TestCache_InvalidateExperimentMatchesWholeID(t *testing.T) {
	c := NewCache(0, 0)
	c.Add(experiment.Assignment{ExperimentID: "exp1"}, "u1")
	c.Add(experiment.Assignment{ExperimentID: "exp10"}, "u1")

	if n := c.InvalidateExperiment("exp1"); n != 1 {
		t.Fatalf("InvalidateExperiment() = %d, want 1", n)
	}
	if _, ok := c.Get("exp10", "u1"); !ok {
		t.Error("exp10 entry removed by exp1 invalidation")
	}
}

func TestCache_TTL(t *testing.T) {
	c := NewCache(20*time.Millisecond, 0)
	c.Add(experiment.Assignment{ExperimentID: "exp1"}, "u1")

	if _, ok := c.Get("exp1", "u1"); !ok {
		t.Fatal("entry missing before expiry")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get("exp1", "u1"); ok {
		t.Error("entry still present after ttl")
	}
	if !c.Add(experiment.Assignment{ExperimentID: "exp1"}, "u1") {
		t.Error("Add() after expiry = false, want true")
	}
}

func TestCache_Flush(t *testing.T) {
	c := NewCache(0, 0)
	c.Add(experiment.Assignment{ExperimentID: "exp1"}, "u1")
	c.Add(experiment.Assignment{ExperimentID: "exp2"}, "u1")
	c.Flush()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Flush, want 0", c.Len())
	}
}

func TestCache_AddAtRefusesStaleGeneration(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Cache)
	}{
		{name: "unseen experiment", setup: func(c *Cache) {}},
		{name: "populated experiment", setup: func(c *Cache) {
			c.Add(experiment.Assignment{ExperimentID: "exp1", VariantID: "control"}, "u0")
		}},
		{name: "invalidated experiment", setup: func(c *Cache) {
			c.Add(experiment.Assignment{ExperimentID: "exp1", VariantID: "control"}, "u0")
			c.InvalidateExperiment("exp1")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCache(0, 0)
			tt.setup(c)

			gen := c.Generation("exp1")
			c.InvalidateExperiment("exp1")

			a := experiment.Assignment{ExperimentID: "exp1", VariantID: "treatment", InExperiment: true}
			inserted, stale := c.AddAt(a, "u1", gen)
			if inserted || !stale {
				t.Fatalf("AddAt() = %v, %v; want false, true", inserted, stale)
			}
			if _, ok := c.Get("exp1", "u1"); ok {
				t.Fatal("stale assignment was cached")
			}

			inserted, stale = c.AddAt(a, "u1", c.Generation("exp1"))
			if !inserted || stale {
				t.Fatalf("AddAt() at current generation = %v, %v; want true, false", inserted, stale)
			}
		})
	}
}

func TestCache_InvalidateExperimentLeavesOtherPartitions(t *testing.T) {
	c := NewCache(0, 0)
	for i := 0; i < 50; i++ {
		subject := "u" + strconv.Itoa(i)
		c.Add(experiment.Assignment{ExperimentID: "exp1"}, subject)
		c.Add(experiment.Assignment{ExperimentID: "exp2"}, subject)
	}
	before := c.Generation("exp2")

	if n := c.InvalidateExperiment("exp1"); n != 50 {
		t.Fatalf("InvalidateExperiment() = %d, want 50", n)
	}
	if n := c.InvalidateExperiment("exp1"); n != 0 {
		t.Errorf("second InvalidateExperiment() = %d, want 0", n)
	}
	if c.Len() != 50 {
		t.Errorf("Len() = %d, want 50", c.Len())
	}
	if got := c.Generation("exp2"); got != before {
		t.Errorf("exp2 generation = %d, want %d", got, before)
	}
	if _, ok := c.Get("exp2", "u7"); !ok {
		t.Error("exp2 entry removed by exp1 invalidation")
	}
}

func TestCache_FlushRefusesPendingInserts(t *testing.T) {
	c := NewCache(0, 0)
	c.Add(experiment.Assignment{ExperimentID: "exp1"}, "u1")
	gen := c.Generation("exp1")

	c.Flush()
	if _, stale := c.AddAt(experiment.Assignment{ExperimentID: "exp1"}, "u2", gen); !stale {
		t.Error("insert computed before Flush was accepted")
	}
}
