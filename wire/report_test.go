package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidReport(t *testing.T) {
	payload := `{"meta":{"time":1700000000000},"mod_reports":[
		{"module":"cpu","report":{
			"metrics":[{"subject":"cpu","metric":"load","value":1.5,"range_from":0}],
			"status":[{"subject":"cpu","type":"load","state":"ok"}],
			"meta":{"cores":{"count":8}}}}]}`

	report, err := Decode([]byte(payload))
	require.NoError(t, err)
	require.Len(t, report.ModReports, 1)

	mr := report.ModReports[0]
	assert.Equal(t, "cpu", mr.Module)
	assert.Equal(t, int64(1700000000000), report.Meta.Time)
	require.Len(t, mr.Report.Metrics, 1)
	require.NotNil(t, mr.Report.Metrics[0].RangeFrom)
	assert.Equal(t, 0.0, *mr.Report.Metrics[0].RangeFrom)
	assert.Nil(t, mr.Report.Metrics[0].RangeTo)
	assert.JSONEq(t, `{"count":8}`, string(mr.Report.Meta["cores"]))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `ping`,
		"missing module":   `{"meta":{"time":1},"mod_reports":[{"report":{}}]}`,
		"missing report":   `{"meta":{"time":1},"mod_reports":[{"module":"cpu"}]}`,
		"metric subject":   `{"meta":{"time":1},"mod_reports":[{"module":"cpu","report":{"metrics":[{"metric":"load","value":1}]}}]}`,
		"status state":     `{"meta":{"time":1},"mod_reports":[{"module":"cpu","report":{"status":[{"subject":"cpu","type":"load"}]}}]}`,
		"wrong value type": `{"meta":{"time":1},"mod_reports":[{"module":"cpu","report":{"metrics":[{"subject":"a","metric":"b","value":"x"}]}}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestStatusOnly(t *testing.T) {
	full := &Report{
		Status:  []StatusDatum{{Subject: "/", Type: "disk_usage", State: "ok"}},
		Metrics: []MetricDatum{{Subject: "/", Metric: "used_percent", Value: 42}},
	}

	status := full.StatusOnly()
	require.NotNil(t, status)
	assert.Len(t, status.Status, 1)
	assert.Empty(t, status.Metrics)
	assert.Nil(t, status.Meta)

	status.Status[0].State = "critical"
	assert.Equal(t, "ok", full.Status[0].State, "copy must not alias the original")

	assert.Nil(t, (&Report{Metrics: full.Metrics}).StatusOnly())
	assert.Nil(t, (*Report)(nil).StatusOnly())
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, (*Report)(nil).IsEmpty())
	assert.True(t, (&Report{}).IsEmpty())
	assert.False(t, (&Report{Metrics: []MetricDatum{{Subject: "a", Metric: "b"}}}).IsEmpty())
}
