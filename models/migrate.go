package models

import "gorm.io/gorm"

// AutoMigrate creates or updates every table this service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&LedgerEntry{},
		&Wallet{},
		&BadgeDefinition{},
		&StudentBadge{},
		&StudentStats{},
		&TopicMastery{},
		&SubjectAccuracy{},
		&ProcessedOutcome{},
		&Challenge{},
		&ChallengeParticipation{},
		&ChallengeProgressPoint{},
		&LeaderboardSnapshot{},
		&LeaderboardEntry{},
		&LeaderboardHead{},
		&RewardCatalogItem{},
		&Redemption{},
		&ScopeMembership{},
		&Notification{},
	)
}
