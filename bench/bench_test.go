package bench

import (
	"testing"
	"time"

	"github.com/onloop/npuexec/status"
	"github.com/stretchr/testify/require"
)

func TestTimeInitPhaseBalance(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.TimeInitPhaseStart("load"))

	// Second start before end is a balance violation (spec.md §8 E6).
	err := l.TimeInitPhaseStart("load")
	require.Error(t, err)
	require.Equal(t, status.Internal, status.KindOf(err))

	d, err := l.TimeInitPhaseEnd("load")
	require.NoError(t, err)
	require.GreaterOrEqual(t, d, time.Duration(0))

	// End without a start is a balance violation.
	_, err = l.TimeInitPhaseEnd("load")
	require.Error(t, err)
	require.Equal(t, status.Internal, status.KindOf(err))
}

func TestMarkArmsThenResolves(t *testing.T) {
	l := NewLedger()
	d, resolved := l.Mark("warmup")
	require.False(t, resolved)
	require.Zero(t, d)

	d, resolved = l.Mark("warmup")
	require.True(t, resolved)
	require.GreaterOrEqual(t, d, time.Duration(0))

	// Reusable after resolving.
	_, resolved = l.Mark("warmup")
	require.False(t, resolved)
}

func TestTokensPerSecond(t *testing.T) {
	require.Equal(t, 10.0, TokensPerSecond(5, 500*time.Millisecond))
	require.Equal(t, float64(0), TokensPerSecond(5, 0))
	require.Equal(t, float64(0), TokensPerSecond(5, -time.Second))
}

func TestSummarizeTurnCombinesPrefillAndDecode(t *testing.T) {
	l := NewLedger()
	idx := l.RecordPrefillTurn(127, time.Second)
	require.Equal(t, 0, idx)

	require.Equal(t, 0, l.RecordDecodeTurn(1, 100*time.Millisecond))
	require.Equal(t, 0, l.RecordDecodeTurn(1, 100*time.Millisecond))

	summary, err := l.SummarizeTurn(0)
	require.NoError(t, err)
	require.Equal(t, 127, summary.PrefillTokens)
	require.Equal(t, 2, summary.DecodeTokens)
	require.Equal(t, 200*time.Millisecond, summary.DecodeDuration)
	require.InDelta(t, 10.0, summary.DecodeTokensPerSecond(), 0.001)
}

func TestSummarizeTurnOutOfRange(t *testing.T) {
	l := NewLedger()
	_, err := l.SummarizeTurn(0)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}

func TestDecodeTurnBeforeAnyPrefillCreatesTurnZero(t *testing.T) {
	l := NewLedger()
	idx := l.RecordDecodeTurn(1, time.Millisecond)
	require.Equal(t, 0, idx)
	require.Equal(t, 1, l.Turns())
}
