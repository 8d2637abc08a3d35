package ledger

import (
	"errors"
	"fmt"
	"testing"
)

const (
	operationName    = "store"
	subjectName      = "checkup"
	codeName         = "get"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected OperationError with code %q, got %#v", codeName, wrappedError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestErrorCategories(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		validation bool
		notFound   bool
		conflict   bool
	}{
		{name: "invalid bundle", err: fmt.Errorf("%w: XL", ErrInvalidBundle), validation: true},
		{name: "missing target", err: ErrMissingTargetAccount, validation: true},
		{name: "wrapped not found", err: WrapError("store", "checkup", "get", ErrCheckupNotFound), notFound: true},
		{name: "already verified", err: ErrAlreadyVerified, conflict: true},
		{name: "insufficient credits", err: ErrInsufficientCredits},
		{name: "nil", err: nil},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if IsValidation(testCase.err) != testCase.validation {
				test.Fatalf("IsValidation(%v) = %v", testCase.err, !testCase.validation)
			}
			if IsNotFound(testCase.err) != testCase.notFound {
				test.Fatalf("IsNotFound(%v) = %v", testCase.err, !testCase.notFound)
			}
			if IsConflict(testCase.err) != testCase.conflict {
				test.Fatalf("IsConflict(%v) = %v", testCase.err, !testCase.conflict)
			}
		})
	}
}
