package httpapi_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/water-monitor/internal/httpapi"
)

var _ = Describe("OriginChecker", func() {
	request := func(host, origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/ws/ingest", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	DescribeTable("should decide by origin",
		func(allowed []string, host, origin string, expected bool) {
			Expect(httpapi.OriginChecker(allowed)(request(host, origin))).To(Equal(expected))
		},
		Entry("no origin header", nil, "api:8080", "", true),
		Entry("same origin", nil, "api:8080", "http://api:8080", true),
		Entry("foreign origin by default", nil, "api:8080", "http://evil.example", false),
		Entry("listed origin", []string{"https://dash.example/"}, "api:8080", "https://dash.example", true),
		Entry("listed origin is case-insensitive", []string{"https://Dash.example"}, "api:8080", "https://dash.EXAMPLE", true),
		Entry("scheme must match", []string{"https://dash.example"}, "api:8080", "http://dash.example", false),
		Entry("wildcard", []string{"*"}, "api:8080", "http://evil.example", true),
		Entry("malformed origin", []string{"https://dash.example"}, "api:8080", "::", false),
	)
})

var _ = Describe("websocket origins", func() {
	dialFrom := func(url, origin string) (int, error) {
		conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
		if conn != nil {
			_ = conn.Close()
		}
		if resp == nil {
			return 0, err
		}
		_ = resp.Body.Close()
		return resp.StatusCode, err
	}

	It("should refuse foreign pages by default", func() {
		e := newEnv(envOptions{})

		for _, path := range []string{"/ws/ingest", "/ws/live"} {
			code, err := dialFrom(e.wsURL(path), "http://evil.example")
			Expect(err).To(MatchError(websocket.ErrBadHandshake))
			Expect(code).To(Equal(http.StatusForbidden))
		}
	})

	It("should accept configured origins", func() {
		e := newEnv(envOptions{allowedOrigins: []string{"http://dash.example"}})

		for _, path := range []string{"/ws/ingest", "/ws/live"} {
			code, err := dialFrom(e.wsURL(path), "http://dash.example")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(http.StatusSwitchingProtocols))
		}
	})
})
