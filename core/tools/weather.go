// Package tools holds the tools the planner can call.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/koscakluka/ema-voice/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultAMapURL = "https://restapi.amap.com"

type Weather struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type WeatherOption func(*Weather)

func WithAMapURL(baseURL string) WeatherOption {
	return func(w *Weather) {
		w.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

func WithHTTPClient(client *http.Client) WeatherOption {
	return func(w *Weather) {
		w.client = client
	}
}

func NewWeather(apiKey string, opts ...WeatherOption) *Weather {
	w := &Weather{
		apiKey:  apiKey,
		baseURL: defaultAMapURL,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type WeatherParameters struct {
	City string `json:"city" jsonschema:"description=城市中文名称，例如：南京、北京"`
}

// Tool exposes the weather lookup as ask_weather.
func (w *Weather) Tool() llms.Tool {
	return llms.NewTool("ask_weather", "查询指定城市的天气信息（包含实时天气和未来几天的预报）。",
		func(ctx context.Context, p WeatherParameters) (string, error) {
			return w.Lookup(ctx, p.City)
		})
}

type amapResponse struct {
	Status string `json:"status"`
	Info   string `json:"info"`
}

type geocodeResponse struct {
	amapResponse
	Geocodes []struct {
		Adcode string `json:"adcode"`
	} `json:"geocodes"`
}

type liveWeather struct {
	City        string `json:"city"`
	Weather     string `json:"weather"`
	Temperature string `json:"temperature"`
	ReportTime  string `json:"reporttime"`
}

type forecastCast struct {
	Date         string `json:"date"`
	Week         string `json:"week"`
	DayWeather   string `json:"dayweather"`
	NightWeather string `json:"nightweather"`
	DayTemp      string `json:"daytemp"`
	NightTemp    string `json:"nighttemp"`
}

type weatherResponse struct {
	amapResponse
	Lives     []liveWeather `json:"lives"`
	Forecasts []struct {
		Casts []forecastCast `json:"casts"`
	} `json:"forecasts"`
}

// Lookup returns live weather and the forecast for city as readable text.
func (w *Weather) Lookup(ctx context.Context, city string) (string, error) {
	ctx, span := tracer.Start(ctx, "lookup weather")
	defer span.End()
	span.SetAttributes(attribute.String("weather.city", city))

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if w.apiKey == "" {
		return fail(fmt.Errorf("amap api key not configured"))
	}
	city = strings.TrimSpace(city)
	if city == "" {
		return fail(fmt.Errorf("city is required"))
	}

	var geocode geocodeResponse
	if err := w.get(ctx, "/v3/geocode/geo", url.Values{"address": {city}}, &geocode); err != nil {
		return fail(fmt.Errorf("failed to geocode %q: %w", city, err))
	}
	if len(geocode.Geocodes) == 0 || geocode.Geocodes[0].Adcode == "" {
		return fail(fmt.Errorf("could not find adcode for city %q", city))
	}
	adcode := geocode.Geocodes[0].Adcode
	span.SetAttributes(attribute.String("weather.adcode", adcode))

	var live weatherResponse
	if err := w.get(ctx, "/v3/weather/weatherInfo", url.Values{"city": {adcode}, "extensions": {"base"}}, &live); err != nil {
		return fail(fmt.Errorf("failed to fetch live weather: %w", err))
	}
	if len(live.Lives) == 0 {
		return fail(fmt.Errorf("no live weather data for %q", city))
	}
	current := live.Lives[0]

	var forecast weatherResponse
	if err := w.get(ctx, "/v3/weather/weatherInfo", url.Values{"city": {adcode}, "extensions": {"all"}}, &forecast); err != nil {
		logger.Warn("forecast lookup failed, answering with live weather only", "city", city, "error", err)
		return fmt.Sprintf("%s实时天气：%s，%s℃。（预报获取失败）", current.City, current.Weather, current.Temperature), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "【%s 实时天气】\n", current.City)
	fmt.Fprintf(&b, "天气: %s\n", current.Weather)
	fmt.Fprintf(&b, "气温: %s℃\n", current.Temperature)
	fmt.Fprintf(&b, "更新时间: %s\n", current.ReportTime)
	if len(forecast.Forecasts) > 0 && len(forecast.Forecasts[0].Casts) > 0 {
		b.WriteString("\n【未来天气预报】\n")
		for _, cast := range forecast.Forecasts[0].Casts {
			fmt.Fprintf(&b, "- %s (星期%s): 白天%s/%s℃, 晚上%s/%s℃。\n",
				cast.Date, cast.Week, cast.DayWeather, cast.DayTemp, cast.NightWeather, cast.NightTemp)
		}
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func (w *Weather) get(ctx context.Context, path string, query url.Values, out any) error {
	query.Set("key", w.apiKey)
	query.Set("output", "JSON")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("error creating HTTP request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-OK HTTP status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	var status amapResponse
	if err := sonic.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("error unmarshalling response body: %w", err)
	}
	if status.Status != "1" {
		return fmt.Errorf("amap error: %s", status.Info)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error unmarshalling response body: %w", err)
	}
	return nil
}
