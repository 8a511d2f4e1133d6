// Package require provides the assertion helpers used throughout the tests.
// It is a thin layer over testify that keeps call sites terse and adds the
// handful of assertions testify lacks (YesError, ElementsEqual on arbitrary
// slices, regex matching).
package require

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

// NoError fails the test if err is not nil.
func NoError(tb testing.TB, err error, msgAndArgs ...interface{}) {
	tb.Helper()
	require.NoError(tb, err, msgAndArgs...)
}

// YesError fails the test if err is nil.
func YesError(tb testing.TB, err error, msgAndArgs ...interface{}) {
	tb.Helper()
	require.Error(tb, err, msgAndArgs...)
}

// Equal fails the test if expected is not equal to actual.
func Equal(tb testing.TB, expected, actual interface{}, msgAndArgs ...interface{}) {
	tb.Helper()
	require.Equal(tb, expected, actual, msgAndArgs...)
}

// NotEqual fails the test if expected equals actual.
func NotEqual(tb testing.TB, expected, actual interface{}, msgAndArgs ...interface{}) {
	tb.Helper()
	require.NotEqual(tb, expected, actual, msgAndArgs...)
}

// True fails the test unless value is true.
func True(tb testing.TB, value bool, msgAndArgs ...interface{}) {
	tb.Helper()
	require.True(tb, value, msgAndArgs...)
}

// False fails the test unless value is false.
func False(tb testing.TB, value bool, msgAndArgs ...interface{}) {
	tb.Helper()
	require.False(tb, value, msgAndArgs...)
}

// Nil fails the test unless value is nil.
func Nil(tb testing.TB, value interface{}, msgAndArgs ...interface{}) {
	tb.Helper()
	require.Nil(tb, value, msgAndArgs...)
}

// NotNil fails the test if value is nil.
func NotNil(tb testing.TB, value interface{}, msgAndArgs ...interface{}) {
	tb.Helper()
	require.NotNil(tb, value, msgAndArgs...)
}

// Len fails the test unless the object has the expected length.
func Len(tb testing.TB, object interface{}, length int, msgAndArgs ...interface{}) {
	tb.Helper()
	require.Len(tb, object, length, msgAndArgs...)
}

// ElementsEqual fails the test unless the two slices contain the same elements
// irrespective of order.
func ElementsEqual(tb testing.TB, expected, actual interface{}, msgAndArgs ...interface{}) {
	tb.Helper()
	require.ElementsMatch(tb, expected, actual, msgAndArgs...)
}

// Matches fails the test unless actual matches the regular expression pattern.
func Matches(tb testing.TB, pattern, actual string, msgAndArgs ...interface{}) {
	tb.Helper()
	re, err := regexp.Compile(pattern)
	require.NoError(tb, err, "pattern must compile")
	require.True(tb, re.MatchString(actual), msgAndArgs...)
}

// ErrorIs fails the test unless target is in err's chain.
func ErrorIs(tb testing.TB, err, target error, msgAndArgs ...interface{}) {
	tb.Helper()
	require.ErrorIs(tb, err, target, msgAndArgs...)
}
