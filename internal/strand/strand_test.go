// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package strand_test

import (
	"sync"
	"testing"
	"time"

	"github.com/go-ntio/reactor/internal/strand"
	"github.com/stretchr/testify/assert"
)

func TestStrandFIFO(t *testing.T) {
	s := strand.New()
	var out []int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		i := i
		s.Execute(func() {
			mu.Lock()
			out = append(out, i)
			mu.Unlock()
		})
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, out)
}

func TestStrandDrainsConcurrentSubmissions(t *testing.T) {
	s := strand.New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Execute(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 200
	}, time.Second, time.Millisecond)
}

func TestStrandNotOwnedWhenIdle(t *testing.T) {
	s := strand.New()
	assert.False(t, s.Running())
	done := make(chan struct{})
	s.Execute(func() { close(done) })
	<-done
	assert.False(t, s.Running())
}
