package sim

import (
	"bytes"
	"log"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("HookableBase", func() {
	var (
		hookable *HookableBase
	)

	BeforeEach(func() {
		hookable = NewHookableBase()
	})

	It("should invoke every hook in registration order", func() {
		order := []string{}
		hookable.AcceptHook(HookFunc(func(ctx HookCtx) {
			order = append(order, "first:"+ctx.Pos.Name)
		}))
		hookable.AcceptHook(HookFunc(func(ctx HookCtx) {
			order = append(order, "second:"+ctx.Pos.Name)
		}))

		hookable.InvokeHook(HookCtx{Pos: &HookPos{Name: "Map"}})

		Expect(hookable.NumHooks()).To(Equal(2))
		Expect(order).To(Equal([]string{"first:Map", "second:Map"}))
	})

	It("should allow concurrent invocation", func() {
		var mu sync.Mutex
		count := 0
		hookable.AcceptHook(HookFunc(func(ctx HookCtx) {
			mu.Lock()
			count++
			mu.Unlock()
		}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				hookable.InvokeHook(HookCtx{})
			}()
		}
		wg.Wait()

		Expect(count).To(Equal(8))
	})
})

var _ = Describe("RateLimitedLogHookBase", func() {
	It("should drop messages beyond the burst", func() {
		buf := new(bytes.Buffer)
		h := NewRateLimitedLogHookBase(log.New(buf, "", 0), 0.001, 2)

		Expect(h.Logf("a")).To(BeTrue())
		Expect(h.Logf("b")).To(BeTrue())
		Expect(h.Logf("c")).To(BeFalse())

		Expect(h.Dropped()).To(Equal(uint64(1)))
		Expect(buf.String()).To(Equal("a\nb\n"))
	})

	It("should never drop when the rate is unlimited", func() {
		buf := new(bytes.Buffer)
		h := NewRateLimitedLogHookBase(log.New(buf, "", 0), 0, 1)

		for i := 0; i < 10; i++ {
			Expect(h.Logf("x")).To(BeTrue())
		}
		Expect(h.Dropped()).To(BeZero())
	})
})

var _ = Describe("IDGenerator", func() {
	It("should generate distinct ids", func() {
		g := GetIDGenerator()
		a := g.Generate()
		b := g.Generate()
		Expect(a).NotTo(Equal(b))
	})

	It("should refuse to switch generator after use", func() {
		GetIDGenerator()
		Expect(func() { UseParallelIDGenerator() }).To(Panic())
	})

	It("should generate xid strings in parallel mode", func() {
		Expect(parallelIDGenerator{}.Generate()).To(HaveLen(20))
	})
})
