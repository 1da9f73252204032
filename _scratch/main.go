package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

func main() {
	c := ttlcache.New[string, string](ttlcache.WithTTL[string, string](time.Minute))
	go c.Start()
	time.Sleep(10 * time.Millisecond)
	fmt.Println("before stop", runtime.NumGoroutine())
	c.Stop()
	time.Sleep(10 * time.Millisecond)
	fmt.Println("after stop", runtime.NumGoroutine())
}
