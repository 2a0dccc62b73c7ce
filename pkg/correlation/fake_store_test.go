package correlation

import (
	"context"
	"fmt"
	"sort"

	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/store"
	"sipsearch-server/pkg/streams"

	"go.mongodb.org/mongo-driver/bson"
)

// fakeStore evaluates the engines' filters against in-memory records,
// mimicking the store's per-prefix querying.
type fakeStore struct {
	byPrefix map[string][]models.Record
	queries  int

	// reads against failPrefix yield a stream carrying failErr
	failPrefix string
	failErr    error
}

func (f *fakeStore) ReadRecords(ctx context.Context, q store.Query) streams.Stream[models.Record] {
	f.queries++

	if f.failPrefix != "" && q.Prefix == f.failPrefix {
		return streams.Generate(func() (models.Record, bool) {
			return models.Record{}, false
		}, func() error { return f.failErr })
	}

	var out []models.Record
	for _, rec := range f.byPrefix[q.Prefix] {
		if evalFilter(rec, q.Filter) {
			out = append(out, rec)
		}
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt() < out[j].CreatedAt()
		})
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return streams.FromSlice(out)
}

func evalFilter(rec models.Record, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range cond.([]bson.M) {
				if !evalFilter(rec, sub) {
					return false
				}
			}
		case "$or":
			any := false
			for _, sub := range cond.([]bson.M) {
				if evalFilter(rec, sub) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		default:
			if !evalField(rec, key, cond) {
				return false
			}
		}
	}
	return true
}

func evalField(rec models.Record, field string, cond interface{}) bool {
	if ops, ok := cond.(bson.M); ok {
		for op, value := range ops {
			switch op {
			case "$gte":
				if !(rec.GetFloat64(field) >= toFloat(value)) {
					return false
				}
			case "$lte":
				if !(rec.GetFloat64(field) <= toFloat(value)) {
					return false
				}
			case "$gt":
				if !(rec.GetFloat64(field) > toFloat(value)) {
					return false
				}
			case "$lt":
				if !(rec.GetFloat64(field) < toFloat(value)) {
					return false
				}
			case "$ne":
				if stringify(rec.Fields[field]) == stringify(value) {
					return false
				}
			case "$in":
				found := false
				for _, candidate := range value.([]string) {
					if rec.GetString(field) == candidate {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			default:
				panic("fake store: unsupported operator " + op)
			}
		}
		return true
	}
	return stringify(rec.Fields[field]) == stringify(cond)
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case float64:
		return v
	default:
		panic(fmt.Sprintf("fake store: non-numeric bound %T", value))
	}
}

func stringify(value interface{}) string {
	return fmt.Sprintf("%v", value)
}
