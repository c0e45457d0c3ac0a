package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestMongoFilter_MergesOperatorsPerField(t *testing.T) {
	filter, err := mongoFilter(Query{Where: []Predicate{
		Eq("provider_id", int64(4)),
		Gte("start_at", "2025-03-01T00:00:00Z"),
		Lt("start_at", "2025-03-02T00:00:00Z"),
		Nin("status", []string{"cancelled", "no_show"}),
	}})
	require.NoError(t, err)

	assert.Equal(t, bson.M{
		"provider_id": bson.M{"$eq": float64(4)},
		"start_at":    bson.M{"$gte": "2025-03-01T00:00:00Z", "$lt": "2025-03-02T00:00:00Z"},
		"status":      bson.M{"$nin": bson.A{"cancelled", "no_show"}},
	}, filter)
}

func TestMongoFilter_RejectsUnknownOperator(t *testing.T) {
	_, err := mongoFilter(Query{Where: []Predicate{{Field: "a", Op: "regex", Value: "x"}}})
	assert.Error(t, err)
}

func TestMongoSort_AppendsStableTieBreak(t *testing.T) {
	sort := mongoSort([]Order{{Field: "submitted_at", Desc: true}})
	assert.Equal(t, bson.D{
		{Key: "submitted_at", Value: -1},
		{Key: mongoCreatedAt, Value: 1},
		{Key: "_id", Value: 1},
	}, sort)
}

func TestRecordFromDoc(t *testing.T) {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":            "f1",
		mongoPermissions: bson.A{"user:1"},
		mongoCreatedAt:   bson.NewDateTimeFromTime(created),
		mongoUpdatedAt:   bson.NewDateTimeFromTime(created),
		"patient_id":     int64(42),
		"status":         "submitted",
		"form_data":      bson.M{"consent": bson.M{"hipaa": true}},
	}

	rec, err := recordFromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, "f1", rec.ID)
	assert.Equal(t, []string{"user:1"}, rec.Permissions)
	assert.True(t, rec.CreatedAt.Equal(created))
	assert.Equal(t, float64(42), rec.Fields["patient_id"])
	assert.Equal(t, "submitted", rec.Fields["status"])
	assert.NotContains(t, rec.Fields, mongoCreatedAt)

	var form struct {
		PatientID int64 `json:"patient_id"`
		FormData  struct {
			Consent struct {
				HIPAA bool `json:"hipaa"`
			} `json:"consent"`
		} `json:"form_data"`
	}
	require.NoError(t, Decode(rec, &form))
	assert.Equal(t, int64(42), form.PatientID)
	assert.True(t, form.FormData.Consent.HIPAA)
}
