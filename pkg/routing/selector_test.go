package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ops-lb/pkg/proxyerr"
)

func TestRoundRobin_AlternatesInRegistrationOrder(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Add("localhost", "127.0.0.1:1001"))
	require.NoError(t, table.Add("localhost", "127.0.0.1:1002"))
	rr := NewRoundRobin(table)
	assert.Equal(t, "round-robin", rr.Name())

	var got []string
	for i := 0; i < 4; i++ {
		b, err := rr.Select("localhost")
		require.NoError(t, err)
		got = append(got, b)
	}
	assert.Equal(t, []string{"127.0.0.1:1001", "127.0.0.1:1002", "127.0.0.1:1001", "127.0.0.1:1002"}, got)
}

func TestRoundRobin_CursorIsPerHost(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Add("a", "10.0.0.1:80"))
	require.NoError(t, table.Add("a", "10.0.0.2:80"))
	require.NoError(t, table.Add("b", "10.0.1.1:80"))
	require.NoError(t, table.Add("b", "10.0.1.2:80"))
	rr := NewRoundRobin(table)

	first, _ := rr.Select("a")
	second, _ := rr.Select("a")
	assert.Equal(t, "10.0.0.1:80", first)
	assert.Equal(t, "10.0.0.2:80", second)

	// b has not been touched yet and starts at its own first backend.
	b, err := rr.Select("b")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.1:80", b)
}

func TestRoundRobin_WeightByRepetition(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Add("h", "a:1"))
	require.NoError(t, table.Add("h", "a:1"))
	require.NoError(t, table.Add("h", "b:1"))
	rr := NewRoundRobin(table)

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		b, err := rr.Select("h")
		require.NoError(t, err)
		counts[b]++
	}
	assert.Equal(t, 200, counts["a:1"])
	assert.Equal(t, 100, counts["b:1"])
}

func TestRoundRobin_UnknownHost(t *testing.T) {
	rr := NewRoundRobin(NewTable())
	_, err := rr.Select("nowhere")
	assert.ErrorIs(t, err, proxyerr.ErrNoBackendForHost)
}

func TestRoundRobin_ConcurrentSelectionIsFair(t *testing.T) {
	table := NewTable()
	backends := []string{"b1:80", "b2:80", "b3:80", "b4:80"}
	for _, b := range backends {
		require.NoError(t, table.Add("h", b))
	}
	rr := NewRoundRobin(table)

	const workers, perWorker = 8, 250
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := map[string]int{}
			for i := 0; i < perWorker; i++ {
				b, err := rr.Select("h")
				if err != nil {
					t.Error(err)
					return
				}
				local[b]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every rotation slot is taken exactly once, so the split is exact.
	for _, b := range backends {
		assert.Equal(t, workers*perWorker/len(backends), counts[b], b)
	}
}
