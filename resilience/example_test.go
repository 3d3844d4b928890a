package resilience_test

import (
	"fmt"

	"github.com/serenity-labs/orchestra/resilience"
)

func ExampleKeyedLimiter_Allow() {
	limiter := resilience.NewKeyedLimiter(resilience.LimiterConfig{
		Capacity: 2,
		Refill:   1,
	})

	for i := 0; i < 3; i++ {
		ok, _ := limiter.Allow("client-a@chat")
		fmt.Println(ok)
	}
	// Output:
	// true
	// true
	// false
}
