package models

import (
	"slices"
	"time"
)

// CompletionStatus is the closed vocabulary of lifecycle signals exchanged on
// the status destination.
type CompletionStatus string

const (
	// Negotiation
	StatusConsumerRequired CompletionStatus = "CONSUMER_REQUIRED"
	StatusReadyToConsume   CompletionStatus = "READY_TO_CONSUME"

	// Consumption
	StatusConsumptionOngoing         CompletionStatus = "CONSUMPTION_ONGOING"
	StatusConsumptionCompleteSuccess CompletionStatus = "CONSUMPTION_COMPLETE_REPORTED_SUCCESS"
	StatusConsumptionCompleteFailure CompletionStatus = "CONSUMPTION_COMPLETE_REPORTED_FAILURE"

	// Publication
	StatusPublicationCompleteSuccess CompletionStatus = "PUBLICATION_COMPLETE_REPORTED_SUCCESS"
	StatusPublicationCompleteFailure CompletionStatus = "PUBLICATION_COMPLETE_REPORTED_FAILURE"

	// Groups
	StatusGroupPublicationComplete CompletionStatus = "GROUP_PUBLICATION_COMPLETE"
	StatusGroupConsumptionComplete CompletionStatus = "GROUP_CONSUMPTION_COMPLETE"

	// Evaluation lifecycle
	StatusEvaluationStarted         CompletionStatus = "EVALUATION_STARTED"
	StatusEvaluationOngoing         CompletionStatus = "EVALUATION_ONGOING"
	StatusEvaluationCompleteSuccess CompletionStatus = "EVALUATION_COMPLETE_REPORTED_SUCCESS"
	StatusEvaluationCompleteFailure CompletionStatus = "EVALUATION_COMPLETE_REPORTED_FAILURE"
)

// StatusCategory groups completion statuses by how the protocol reacts to them.
type StatusCategory string

const (
	CategoryNegotiation StatusCategory = "negotiation"
	CategoryProgress    StatusCategory = "progress"
	CategorySuccess     StatusCategory = "success"
	CategoryFailure     StatusCategory = "failure"
	CategoryGroup       StatusCategory = "group"
	CategoryLifecycle   StatusCategory = "lifecycle"
)

var statusCategories = map[CompletionStatus]StatusCategory{
	StatusConsumerRequired: CategoryNegotiation,
	StatusReadyToConsume:   CategoryNegotiation,

	StatusConsumptionOngoing: CategoryProgress,
	StatusEvaluationOngoing:  CategoryProgress,

	StatusConsumptionCompleteSuccess: CategorySuccess,
	StatusPublicationCompleteSuccess: CategorySuccess,
	StatusEvaluationCompleteSuccess:  CategorySuccess,

	StatusConsumptionCompleteFailure: CategoryFailure,
	StatusPublicationCompleteFailure: CategoryFailure,
	StatusEvaluationCompleteFailure:  CategoryFailure,

	StatusGroupPublicationComplete: CategoryGroup,
	StatusGroupConsumptionComplete: CategoryGroup,

	StatusEvaluationStarted: CategoryLifecycle,
}

// Category returns the category of the status. Unknown statuses report an
// empty category.
func (s CompletionStatus) Category() StatusCategory {
	return statusCategories[s]
}

func (s CompletionStatus) Valid() bool {
	_, ok := statusCategories[s]
	return ok
}

func (s CompletionStatus) IsFailure() bool {
	return s.Category() == CategoryFailure
}

// Reserved statuses are only ever published by the messager itself.
func (s CompletionStatus) Reserved() bool {
	return slices.Contains([]CompletionStatus{
		StatusPublicationCompleteSuccess,
		StatusPublicationCompleteFailure,
		StatusEvaluationCompleteSuccess,
		StatusEvaluationCompleteFailure,
		StatusGroupPublicationComplete,
	}, s)
}

func (s CompletionStatus) String() string {
	return string(s)
}

// Consumer describes a subscriber and the formats it can deliver.
type Consumer struct {
	ConsumerID string   `json:"consumer_id"`
	Formats    []Format `json:"formats"`
}

// Status is an immutable status event.
type Status struct {
	CompletionStatus   CompletionStatus `json:"completion_status"`
	Consumer           *Consumer        `json:"consumer,omitempty"`
	GroupID            string           `json:"group_id,omitempty"`
	MessageCount       int              `json:"message_count,omitempty"`
	GroupCount         int              `json:"group_count,omitempty"`
	PairsMessageCount  int              `json:"pairs_message_count,omitempty"`
	StatusMessageCount int              `json:"status_message_count,omitempty"`
	RequiredFormats    []Format         `json:"required_formats,omitempty"`
	Events             []string         `json:"events,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}

// ConsumerID returns the reporting consumer id or "" when absent.
func (s Status) ConsumerID() string {
	if s.Consumer == nil {
		return ""
	}
	return s.Consumer.ConsumerID
}
