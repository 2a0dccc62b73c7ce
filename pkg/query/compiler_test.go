package query

import (
	"context"
	"testing"
	"time"

	"sipsearch-server/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newTestCompiler() *Compiler {
	return NewCompiler(DefaultCatalog())
}

func TestParseOperatorPrecedence(t *testing.T) {
	// != must win even though = is also a substring of the term
	expr, err := Parse("sip.caller!=alice")
	require.NoError(t, err)
	require.Len(t, expr.Tokens, 1)
	assert.Equal(t, "!=", expr.Tokens[0].Operator)
	assert.Equal(t, "alice", expr.Tokens[0].Value)

	expr, err = Parse("sip.caller=~al.*ce")
	require.NoError(t, err)
	assert.Equal(t, "=~", expr.Tokens[0].Operator)
}

func TestParseMultipleTerms(t *testing.T) {
	expr, err := Parse("sip.caller=alice sip.duration>10s rtp.mos<3")
	require.NoError(t, err)
	assert.Len(t, expr.Tokens, 3)
	assert.Equal(t, []string{"sip", "rtp"}, expr.Families())
	assert.Len(t, expr.Family("sip").Tokens, 2)
}

func TestCompileNumberWithSecondsSuffix(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("sip.duration<1s", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"duration": bson.M{"$lt": int64(1000)}}, filter)
}

func TestCompileNumberWithMinutesSuffix(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("sip.duration>2m", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"duration": bson.M{"$gt": int64(120000)}}, filter)
}

func TestCompileUnknownAttribute(t *testing.T) {
	_, err := newTestCompiler().CompileQuery("sip.bogus=true", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownAttribute)
}

func TestCompileVirtualAttributeExpandsToOr(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("sip.addr=10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": []bson.M{
		{"src_addr": "10.0.0.1"},
		{"dst_addr": "10.0.0.1"},
	}}, filter)
}

func TestCompileRegex(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("sip.caller=~^49.*", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"caller": primitive.Regex{Pattern: "^49.*"}}, filter)
}

func TestCompileRegexOnNumberRejected(t *testing.T) {
	_, err := newTestCompiler().CompileQuery("sip.duration=~10", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)
}

func TestCompileMalformedRegexRejected(t *testing.T) {
	_, err := newTestCompiler().CompileQuery("sip.caller=~[", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)
}

func TestCompileConjunction(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("sip.caller=alice sip.callee=bob", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$and": []bson.M{
		{"caller": "alice"},
		{"callee": "bob"},
	}}, filter)
}

func TestCompileWithFieldMapper(t *testing.T) {
	mapper := func(field string) string { return "report." + field }
	filter, err := newTestCompiler().CompileQuery("rtp.mos<3", mapper)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"report.mos": bson.M{"$lt": int64(3)}}, filter)
}

func TestCompileBoolean(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("sip.terminated=true", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"terminated": true}, filter)

	_, err = newTestCompiler().CompileQuery("sip.terminated>1", nil)
	assert.Error(t, err)
}

func TestCompileEmptyQueryMatchesAll(t *testing.T) {
	filter, err := newTestCompiler().CompileQuery("", nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{}, filter)
}

func TestParseRejectsBareWord(t *testing.T) {
	_, err := Parse("caller")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)
}

func TestCachedCatalogKeepsSnapshotOnFailure(t *testing.T) {
	attrs := []Attribute{{Name: "sip.caller", Type: TypeString}}
	fail := false
	load := func(ctx context.Context) ([]Attribute, error) {
		if fail {
			return nil, assert.AnError
		}
		return attrs, nil
	}

	catalog := NewCachedCatalog(load, time.Minute, logrus.New())
	require.NoError(t, catalog.Refresh(context.Background()))
	_, ok := catalog.Lookup("sip.caller")
	assert.True(t, ok)

	fail = true
	assert.Error(t, catalog.Refresh(context.Background()))
	_, ok = catalog.Lookup("sip.caller")
	assert.True(t, ok, "failed refresh must keep the previous snapshot")
}
