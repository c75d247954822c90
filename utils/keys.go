package utils

import (
	"github.com/gosimple/slug"
)

// NormalizeScopeKey folds a class/school/grade key into ASCII lower case with
// single dashes, so "Klasse 5ä " and "klasse-5a" name the same scope.
func NormalizeScopeKey(key string) string {
	return slug.Make(key)
}
