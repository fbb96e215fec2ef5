// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Inquiry categories, in the order the extractor checks them.
const (
	InquiryJobOpportunity   = "job-opportunity"
	InquiryFreelanceProject = "freelance-project"
	InquiryCollaboration    = "collaboration"
	InquiryConsulting       = "consulting"
	InquiryGeneral          = "general"
)

// NotificationRequest is the body of POST /api/notifications and the value the
// inquiry extractor hands to the notifier.
type NotificationRequest struct {
	VisitorEmail        string `json:"visitor_email" validate:"required,email,max=254"`
	VisitorName         string `json:"visitor_name,omitempty" validate:"max=200"`
	InquiryType         string `json:"inquiry_type,omitempty" validate:"omitempty,oneof=job-opportunity freelance-project collaboration consulting general"`
	Message             string `json:"message" validate:"required,notblank,max=5000"`
	ConversationContext string `json:"conversation_context,omitempty" validate:"max=10000"`
	SessionID           string `json:"session_id,omitempty" validate:"max=128"`
}

// Validate checks the request against its struct tags.
func (r *NotificationRequest) Validate() error {
	return chatValidate.Struct(r)
}

// NotificationResponse reports the outcome of a send.
type NotificationResponse struct {
	Success bool   `json:"success"`
	EmailID string `json:"email_id,omitempty"`
}

// NotificationRecord is written once per successful send.
type NotificationRecord struct {
	ID                  string    `json:"id"`
	VisitorEmail        string    `json:"visitor_email"`
	VisitorName         string    `json:"visitor_name,omitempty"`
	InquiryType         string    `json:"inquiry_type,omitempty"`
	Message             string    `json:"message"`
	ConversationExcerpt string    `json:"conversation_excerpt,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
	SentAt              time.Time `json:"sent_at"`
	ProviderMessageID   string    `json:"provider_message_id"`
}
