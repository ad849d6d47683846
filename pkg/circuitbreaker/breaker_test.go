package circuitbreaker_test

import (
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/semanticarchitectures/multi-agent-collab/core/types"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/circuitbreaker"
)

func testConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

var _ = Describe("CircuitBreaker", func() {
	var cb *circuitbreaker.CircuitBreaker

	BeforeEach(func() {
		cb = circuitbreaker.New("weather-server", testConfig())
	})

	tripOpen := func() {
		for i := 0; i < 3; i++ {
			Expect(cb.Allow()).To(Succeed())
			cb.RecordFailure()
		}
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
	}

	It("starts closed and passes calls through", func() {
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		Expect(cb.Allow()).To(Succeed())
	})

	It("opens after the failure threshold is reached", func() {
		tripOpen()
	})

	It("resets the failure count on success while closed", func() {
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		Expect(cb.Stats().FailureCount).To(BeZero())
		cb.RecordFailure()
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
	})

	It("fails fast while open, before the recovery timeout", func() {
		tripOpen()
		err := cb.Allow()
		Expect(errors.Is(err, types.ErrCircuitOpen)).To(BeTrue())
	})

	It("permits a probe after the recovery timeout and transitions to half-open", func() {
		tripOpen()
		time.Sleep(60 * time.Millisecond)
		Expect(cb.Allow()).To(Succeed())
		Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
	})

	It("closes after the success threshold in half-open", func() {
		tripOpen()
		time.Sleep(60 * time.Millisecond)

		Expect(cb.Allow()).To(Succeed())
		cb.RecordSuccess()
		Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))

		Expect(cb.Allow()).To(Succeed())
		cb.RecordSuccess()
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
	})

	It("reopens on any failure in half-open", func() {
		tripOpen()
		time.Sleep(60 * time.Millisecond)

		Expect(cb.Allow()).To(Succeed())
		cb.RecordFailure()
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		Expect(errors.Is(cb.Allow(), types.ErrCircuitOpen)).To(BeTrue())
	})

	It("admits at most one concurrent probe in half-open", func() {
		tripOpen()
		time.Sleep(60 * time.Millisecond)

		Expect(cb.Allow()).To(Succeed())
		Expect(errors.Is(cb.Allow(), types.ErrCircuitOpen)).To(BeTrue())

		cb.RecordSuccess()
		Expect(cb.Allow()).To(Succeed())
	})

	It("keeps state transitions atomic under concurrent traffic", func() {
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					if err := cb.Allow(); err == nil {
						if i%2 == 0 {
							cb.RecordFailure()
						} else {
							cb.RecordSuccess()
						}
					}
				}
			}()
		}
		wg.Wait()

		state := cb.State()
		Expect(state).To(BeElementOf(circuitbreaker.StateClosed, circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen))
	})

	It("reports stats", func() {
		cb.RecordFailure()
		stats := cb.Stats()
		Expect(stats.Name).To(Equal("weather-server"))
		Expect(stats.FailureCount).To(Equal(1))
		Expect(stats.State).To(Equal(circuitbreaker.StateClosed))
	})

	It("resets to closed on demand", func() {
		tripOpen()
		cb.Reset()
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		Expect(cb.Allow()).To(Succeed())
	})
})

var _ = Describe("Manager", func() {
	It("hands out one breaker per server", func() {
		m := circuitbreaker.NewManager(testConfig())
		a := m.Breaker("server-a")
		b := m.Breaker("server-b")
		Expect(a).ToNot(BeIdenticalTo(b))
		Expect(m.Breaker("server-a")).To(BeIdenticalTo(a))
	})

	It("resets every breaker", func() {
		m := circuitbreaker.NewManager(testConfig())
		cb := m.Breaker("server-a")
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

		m.ResetAll()
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
	})

	It("reports stats for all breakers", func() {
		m := circuitbreaker.NewManager(testConfig())
		m.Breaker("server-a").RecordFailure()
		m.Breaker("server-b")

		stats := m.AllStats()
		Expect(stats).To(HaveLen(2))
		Expect(stats["server-a"].FailureCount).To(Equal(1))
	})
})
