package alerting

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
)

var (
	ethUSD = storage.NewPairKey(1, "0x5f4ec3df9cbd43714fe2740f5e3616155c5b8419")
	btcUSD = storage.NewPairKey(1, "0xf4030086522a5beea4988f8ca5b36dbc97bee88c")
)

type stubDirectory struct {
	admins []storage.Recipient
}

func (s stubDirectory) Admins(context.Context) ([]storage.Recipient, error) { return s.admins, nil }

func (s stubDirectory) LabelFor(pair storage.PairKey) string {
	switch pair {
	case ethUSD:
		return "ETH/USD"
	case btcUSD:
		return "BTC/USD"
	}
	return pair.String()
}

type captureCourier struct {
	sent map[string][]string
	fail map[string]bool
}

func (c *captureCourier) Deliver(_ context.Context, r storage.Recipient, messages ...string) error {
	if c.fail[r.ID] {
		return errors.New("chat not found")
	}
	if c.sent == nil {
		c.sent = make(map[string][]string)
	}
	c.sent[r.ID] = append(c.sent[r.ID], messages...)
	return nil
}

func opened(recipient, alertType string, pair storage.PairKey) storage.AlertRecord {
	return storage.AlertRecord{Key: storage.AlertKey{RecipientID: recipient, Pair: pair, AlertType: alertType}}
}

func TestGroupMergesRepeatsAndSkipsOwnerAlerts(t *testing.T) {
	dir := stubDirectory{}
	grouped := Group([]storage.AlertRecord{
		opened("a1", "DS_FETCH_ERROR:gecko", ethUSD),
		opened("a1", "DS_FETCH_ERROR:gecko", ethUSD),
		opened("a1", "OUTLIER:kraken", btcUSD),
		opened("owner", "ORACLE_STALL", ethUSD),
	}, dir.LabelFor)

	require.Len(t, grouped["a1"], 2)
	assert.Equal(t, 2, grouped["a1"][0].Count)
	assert.Equal(t, "ETH/USD", grouped["a1"][0].Label)
	assert.Empty(t, grouped["owner"])
}

func TestRender(t *testing.T) {
	text := Render([]Item{
		{AlertType: "OUTLIER:kraken", Pair: ethUSD, Label: "ETH/USD", Count: 1},
		{AlertType: "DS_STALL:gecko", Pair: btcUSD, Label: "BTC/USD", Count: 3},
	})
	lines := []string{
		"• BTC/USD on chain 1 @ 0xf403…e88c: DS_STALL:gecko ×3",
		"• ETH/USD on chain 1 @ 0x5f4e…8419: OUTLIER:kraken",
	}
	assert.Contains(t, text, lines[0]+"\n"+lines[1])
	assert.Equal(t, "No new datasource alerts this run.", Render(nil))
}

func TestSendDeliversOnePerAdminAndJoinsFailures(t *testing.T) {
	dir := stubDirectory{admins: []storage.Recipient{
		{ID: "a1", IsAdmin: true, AcceptsNotifications: true},
		{ID: "a2", IsAdmin: true, AcceptsNotifications: true},
		{ID: "a3", IsAdmin: true, AcceptsNotifications: true},
	}}
	courier := &captureCourier{fail: map[string]bool{"a2": true}}
	d := NewDigester(courier, dir, zerolog.Nop())

	sent, err := d.Send(context.Background(), 9, []storage.AlertRecord{
		opened("a1", "DS_STALL:gecko", ethUSD),
		opened("a2", "DS_STALL:gecko", ethUSD),
	})
	assert.Equal(t, 1, sent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a2")
	assert.Len(t, courier.sent["a1"], 1)
	assert.Empty(t, courier.sent["a3"])

	sent, err = d.Send(context.Background(), 10, nil)
	assert.NoError(t, err)
	assert.Zero(t, sent)
}
