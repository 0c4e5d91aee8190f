package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/resilience"
)

// Client wraps the Stripe payment-intent API.
type Client struct {
	apiKey string
}

// NewClient creates a Stripe client and installs the global API key.
func NewClient(apiKey string) *Client {
	stripe.Key = apiKey
	return &Client{apiKey: apiKey}
}

// CreatePaymentIntent creates an automatic-payment-methods intent.
func (c *Client) CreatePaymentIntent(amount int64, currency, description string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Description: stripe.String(description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return pi, nil
}

// GetPaymentIntent retrieves an intent by id.
func (c *Client) GetPaymentIntent(paymentIntentID string) (*stripe.PaymentIntent, error) {
	pi, err := paymentintent.Get(paymentIntentID, nil)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return pi, nil
}

// CancelPaymentIntent cancels an intent by id.
func (c *Client) CancelPaymentIntent(paymentIntentID string) (*stripe.PaymentIntent, error) {
	pi, err := paymentintent.Cancel(paymentIntentID, nil)
	if err != nil {
		return nil, fmt.Errorf("cancel payment intent: %w", err)
	}
	return pi, nil
}

var _ StripeClient = (*Client)(nil)

// ResilientClient guards a StripeClient with a circuit breaker and bounded
// retries. While the breaker is open, calls fail fast with
// PAYMENT_UNAVAILABLE instead of queueing on a dead provider.
type ResilientClient struct {
	client  StripeClient
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// NewResilientClient wraps client. A nil breaker gets the default Stripe
// breaker settings.
func NewResilientClient(client StripeClient, breaker *resilience.Breaker) *ResilientClient {
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.BreakerSettings{
			Name:             "stripe-api",
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
		}, func(ctx context.Context, err error) (interface{}, error) {
			logger.ErrorContext(ctx, "stripe circuit open, failing fast", zap.Error(err))
			return nil, common.NewPaymentUnavailableError("payments are temporarily unavailable, please try again")
		})
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	retry.InitialBackoff = time.Second
	retry.MaxBackoff = 10 * time.Second
	retry.RetryableChecker = isStripeRetryable

	return &ResilientClient{client: client, breaker: breaker, retry: retry}
}

func (r *ResilientClient) CreatePaymentIntent(amount int64, currency, description string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	result, err := resilience.RetryWithBreaker(context.Background(), r.retry, r.breaker, "stripe_create_intent",
		func(context.Context) (interface{}, error) {
			return r.client.CreatePaymentIntent(amount, currency, description, metadata)
		})
	if err != nil {
		return nil, err
	}
	return result.(*stripe.PaymentIntent), nil
}

func (r *ResilientClient) GetPaymentIntent(paymentIntentID string) (*stripe.PaymentIntent, error) {
	result, err := resilience.RetryWithBreaker(context.Background(), r.retry, r.breaker, "stripe_get_intent",
		func(context.Context) (interface{}, error) {
			return r.client.GetPaymentIntent(paymentIntentID)
		})
	if err != nil {
		return nil, err
	}
	return result.(*stripe.PaymentIntent), nil
}

func (r *ResilientClient) CancelPaymentIntent(paymentIntentID string) (*stripe.PaymentIntent, error) {
	result, err := resilience.RetryWithBreaker(context.Background(), r.retry, r.breaker, "stripe_cancel_intent",
		func(context.Context) (interface{}, error) {
			return r.client.CancelPaymentIntent(paymentIntentID)
		})
	if err != nil {
		return nil, err
	}
	return result.(*stripe.PaymentIntent), nil
}

var _ StripeClient = (*ResilientClient)(nil)

// isStripeRetryable retries transient provider failures only. Card declines
// and validation errors are final.
func isStripeRetryable(err error) bool {
	if err == nil {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeAPI {
			return true
		}
		switch stripeErr.HTTPStatusCode {
		case 408, 429:
			return true
		}
		if stripeErr.HTTPStatusCode >= 500 {
			return true
		}
		return false
	}

	// Non-Stripe errors are transport failures; retry them.
	return true
}
