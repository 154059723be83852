package schema

import (
	"fmt"
	"sort"
)

// PatternClass is the closed set of character classes a field can be matched with.
type PatternClass int

const (
	ClassInvalid PatternClass = iota
	ClassNumeric
	ClassPhone
	ClassChar
	ClassUChar
	ClassWhole
	ClassWholeComma
	ClassDatetime
	ClassDate
)

var classNames = map[string]PatternClass{
	"numeric":     ClassNumeric,
	"phone":       ClassPhone,
	"char":        ClassChar,
	"uchar":       ClassUChar,
	"whole":       ClassWhole,
	"whole_comma": ClassWholeComma,
	"datetime":    ClassDatetime,
	"date":        ClassDate,
}

// Each fragment matches one repetition unit; the compiler appends + or *.
var classFragments = map[PatternClass]string{
	ClassNumeric:    `(?:[\d])`,
	ClassPhone:      `(?:[\+\d])`,
	ClassChar:       `(?:[A-Za-z])`,
	ClassUChar:      `(?:[\p{L}\p{M}])`,
	ClassWhole:      `(?:[^:])`,
	ClassWholeComma: `(?:[^,])`,
	ClassDatetime:   `(?:\d{1,2}/\d{1,2}/\d{1,4} \d{1,2}:\d{1,2}:\d{1,2} (?:AM|PM))`,
	ClassDate:       `(?:\d{1,2}(?:/\d{1,2})?(?:/\d{1,4})?)`,
}

// ParsePatternClass resolves a class name as written in schema files.
func ParsePatternClass(name string) (PatternClass, error) {
	class, ok := classNames[name]
	if !ok {
		return ClassInvalid, fmt.Errorf("%w: %q (known: %v)", ErrUnrecognizedPatternClass, name, ClassNames())
	}

	return class, nil
}

// ClassNames lists the known class names, sorted.
func ClassNames() []string {
	names := make([]string, 0, len(classNames))
	for name := range classNames {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Fragment returns the regexp unit for the class, empty for ClassInvalid.
func (c PatternClass) Fragment() string {
	return classFragments[c]
}

// Valid reports whether c is one of the declared classes.
func (c PatternClass) Valid() bool {
	_, ok := classFragments[c]

	return ok
}

func (c PatternClass) String() string {
	for name, class := range classNames {
		if class == c {
			return name
		}
	}

	return fmt.Sprintf("PatternClass(%d)", int(c))
}
