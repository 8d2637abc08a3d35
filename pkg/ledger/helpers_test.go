package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
)

const testNowUnixUTC = 1_700_000_000

func sequentialIDs(prefix string) func() string {
	var counter atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, counter.Add(1))
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(sequentialIDs("id"))}, options...)
	service, err := NewService(store, func() int64 { return testNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return value
}

func mustOpenAccount(test *testing.T, service *Service, user string, role Role) Account {
	test.Helper()
	account, err := service.OpenAccount(context.Background(), mustUserID(test, user), role)
	if err != nil {
		test.Fatalf("open account %s: %v", user, err)
	}
	return account
}

func validClinicalFields() ClinicalFields {
	return ClinicalFields{
		Age:       54,
		Gender:    "female",
		BloodType: "a+",
		Note:      " itchy ",
		Lesion: SkinLesion{
			SizeMM:             6.5,
			Location:           "left forearm",
			Asymmetry:          true,
			BorderIrregularity: true,
			DiameterMM:         7,
		},
	}
}

func imageUploads(count int) []ImageUpload {
	uploads := make([]ImageUpload, 0, count)
	for index := 0; index < count; index++ {
		uploads = append(uploads, ImageUpload{StorageKey: fmt.Sprintf("checkups/img-%d.jpg", index), ContentType: "image/jpeg"})
	}
	return uploads
}

func mustSubmitCheckup(test *testing.T, service *Service, doctor Account, images int) CheckupReceipt {
	test.Helper()
	receipt, err := service.SubmitCheckup(context.Background(), CheckupSubmission{
		Requester: doctor,
		Clinical:  validClinicalFields(),
		Images:    imageUploads(images),
	})
	if err != nil {
		test.Fatalf("submit checkup: %v", err)
	}
	return receipt
}
