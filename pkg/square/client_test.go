package square

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	return logger.New(logger.Options{
		ServiceName: "square-test",
		Level:       zerolog.ErrorLevel,
		Output:      io.Discard,
	})
}

func TestNewClientValidatesCredentials(t *testing.T) {
	ctx := context.Background()
	logg := testLogger(t)

	_, err := NewClient(ctx, config.SquareConfig{}, logg)
	require.ErrorIs(t, err, errAccessTokenRequired)

	_, err = NewClient(ctx, config.SquareConfig{AccessToken: "tok"}, logg)
	require.ErrorIs(t, err, errWebhookSecretRequired)

	_, err = NewClient(ctx, config.SquareConfig{AccessToken: "tok", WebhookSecret: "sec", Env: "staging"}, logg)
	require.ErrorIs(t, err, errInvalidSquareEnv)

	_, err = NewClient(ctx, config.SquareConfig{AccessToken: "tok", WebhookSecret: "sec"}, nil)
	require.ErrorIs(t, err, errLoggerRequired)
}

func TestNewClientDefaultsToSandbox(t *testing.T) {
	client, err := NewClient(context.Background(), config.SquareConfig{
		AccessToken:   "tok",
		WebhookSecret: "sec",
	}, testLogger(t))
	require.NoError(t, err)
	require.Equal(t, sandboxEnv, client.Environment())
	require.Equal(t, "sec", client.SigningSecret())
}

func TestNewIdempotencyKey(t *testing.T) {
	client := &Client{}
	key := client.NewIdempotencyKey("refund.create")
	require.True(t, strings.HasPrefix(key, "refund.create-"))

	fallback := client.NewIdempotencyKey("  ")
	require.True(t, strings.HasPrefix(fallback, "ff-"))
}

func TestRefundParamsOmitEmptyFields(t *testing.T) {
	req := RefundCreateParams{
		PaymentID:   "pay_1",
		AmountCents: 2500,
		Currency:    "usd",
	}.toSquareRequest("key-1")

	require.Equal(t, "key-1", req.IdempotencyKey)
	require.NotNil(t, req.PaymentID)
	require.Equal(t, "pay_1", *req.PaymentID)
	require.Nil(t, req.Reason)
	require.NotNil(t, req.AmountMoney)
	require.Equal(t, int64(2500), *req.AmountMoney.Amount)
	require.Equal(t, "USD", string(*req.AmountMoney.Currency))
}
