package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	return echo.New().NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target  string
		want    Params
		wantErr bool
	}{
		{"/", Params{Limit: DefaultLimit}, false},
		{"/?limit=50&offset=10", Params{Limit: 50, Offset: 10}, false},
		{"/?limit=500", Params{Limit: MaxLimit}, false},
		{"/?offset=0", Params{Limit: DefaultLimit}, false},
		{"/?limit=0", Params{}, true},
		{"/?limit=ten", Params{}, true},
		{"/?offset=-5", Params{}, true},
		{"/?offset=1.5", Params{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := FromContext(contextFor(tt.target))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b", "c"}, 10, Params{Limit: 3})
	if r.Total != 10 || r.Limit != 3 || r.Offset != 0 {
		t.Errorf("unexpected response %+v", r)
	}
	if !r.HasMore {
		t.Error("expected has_more when offset+limit < total")
	}

	last := NewResponse([]string{"j"}, 10, Params{Limit: 3, Offset: 9})
	if last.HasMore {
		t.Error("expected has_more=false on the last page")
	}

	empty := NewResponse[string](nil, 0, Params{Limit: 3})
	if empty.Data == nil {
		t.Error("nil data should be rendered as an empty list")
	}
}

func TestParams_PreviousOffset(t *testing.T) {
	tests := []struct {
		p    Params
		want int
	}{
		{Params{Limit: 10, Offset: 30}, 20},
		{Params{Limit: 10, Offset: 5}, 0},
		{Params{Limit: 10, Offset: 0}, 0},
	}
	for _, tt := range tests {
		if got := tt.p.PreviousOffset(); got != tt.want {
			t.Errorf("%+v.PreviousOffset() = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestParams_Links(t *testing.T) {
	u, _ := url.Parse("/api/v1/appointments?status=pending&limit=10&offset=10")

	links := Params{Limit: 10, Offset: 10}.Links(u, 35)
	want := &Links{
		Self:     "/api/v1/appointments?limit=10&offset=10&status=pending",
		Next:     "/api/v1/appointments?limit=10&offset=20&status=pending",
		Previous: "/api/v1/appointments?limit=10&offset=0&status=pending",
	}
	if !reflect.DeepEqual(links, want) {
		t.Errorf("got %+v, want %+v", links, want)
	}

	first := Params{Limit: 10}.Links(u, 5)
	if first.Next != "" || first.Previous != "" {
		t.Errorf("single page should have no neighbours: %+v", first)
	}
}

func TestResponse_WithLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/appointments")
	r := NewResponse([]int{1, 2}, 4, Params{Limit: 2}).WithLinks(u)
	if r.Links == nil || r.Links.Next != "/api/v1/appointments?limit=2&offset=2" {
		t.Errorf("unexpected links %+v", r.Links)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		p    Params
		want []int
	}{
		{Params{Limit: 2}, []int{1, 2}},
		{Params{Limit: 2, Offset: 4}, []int{5}},
		{Params{Limit: 2, Offset: 5}, []int{}},
		{Params{Offset: 3}, []int{4, 5}},
	}
	for _, tt := range tests {
		if got := Page(items, tt.p); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Page(%+v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}
