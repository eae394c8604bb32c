package handler_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"civreg/internal/payload"
	"civreg/internal/registry"
	"civreg/internal/subscription"
	"civreg/internal/subscription/handler"
	"civreg/internal/subscription/mocks"
	subscriptionstore "civreg/internal/subscription/store"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/middleware/admin"
	"civreg/pkg/testutil"
)

// HandlerSuite drives the routes through the admin middleware and a real
// service backed by the in-memory store.
type HandlerSuite struct {
	suite.Suite
	registry *mocks.MockRegistry
	router   chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.registry = mocks.NewMockRegistry(gomock.NewController(s.T()))
	service := subscription.New(subscriptionstore.NewInMemoryStore(), s.registry, subscription.WithLogger(logger))

	s.router = chi.NewRouter()
	s.router.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken("s3cret", logger))
		handler.New(service, logger).Register(r)
	})
}

func (s *HandlerSuite) do(method, target, body string) *httptest.ResponseRecorder {
	req := testutil.NewRequestWithBody(s.T(), method, target, body)
	req.Header.Set(admin.TokenHeader, "s3cret")
	req.Header.Set(admin.OperatorHeader, "fatou")
	return testutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) TestLifecycle() {
	id := uuid.New()
	s.registry.EXPECT().Subscribe(gomock.Any(), payload.TopicLifeEvent).
		Return(&registry.SubscriptionDoc{UUID: id, Topic: "LifeEventTopic"}, nil)

	rec := s.do(http.MethodPost, "/subscriptions", `{"topic":"LifeEventTopic"}`)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	created := *testutil.UnmarshalResponse[map[string]any](s.T(), rec)
	s.Equal(id.String(), created["uuid"])
	s.Equal("fatou", created["created_by"])

	rec = s.do(http.MethodGet, "/subscriptions", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), id.String())

	s.registry.EXPECT().Unsubscribe(gomock.Any(), id).Return(true, nil)
	rec = s.do(http.MethodDelete, "/subscriptions/"+id.String(), "")
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/subscriptions", "")
	s.JSONEq(`{"subscriptions":[]}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/subscriptions?active=false", "")
	s.Contains(rec.Body.String(), `"cancelled_by":"fatou"`)
}

func (s *HandlerSuite) TestErrors() {
	s.Run("missing topic", func() {
		rec := s.do(http.MethodPost, "/subscriptions", `{}`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("malformed body", func() {
		rec := s.do(http.MethodPost, "/subscriptions", `{"topic":`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("registry rejects", func() {
		s.registry.EXPECT().Subscribe(gomock.Any(), payload.Topic("Nope")).
			Return(nil, dErrors.New(dErrors.CodeValidation, "invalid topic: Nope"))
		rec := s.do(http.MethodPost, "/subscriptions", `{"topic":"Nope"}`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown subscription", func() {
		rec := s.do(http.MethodDelete, "/subscriptions/"+uuid.NewString(), "")
		testutil.AssertStatusAndError(s.T(), rec, http.StatusNotFound, "not_found")
	})

	s.Run("bad id", func() {
		rec := s.do(http.MethodDelete, "/subscriptions/42", "")
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("bad active flag", func() {
		rec := s.do(http.MethodGet, "/subscriptions?active=maybe", "")
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestRequiresAdminToken() {
	req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

